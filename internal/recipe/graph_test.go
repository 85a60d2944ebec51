package recipe

import (
	"errors"
	"strings"
	"testing"
)

func storeFrom(t *testing.T, doc string) *Store {
	t.Helper()
	dir := writeRecipes(t, map[string]string{"fleet.yml": doc})
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func indexOf(order []*Recipe, name string) int {
	for i, r := range order {
		if r.Name == name {
			return i
		}
	}
	return -1
}

func TestTopologicalOrder(t *testing.T) {
	s := storeFrom(t, `
- {name: glibc, version: "2.39"}
- {name: binutils, version: "2.42", depends: [glibc]}
- {name: gcc, version: "13.2", depends: [binutils, glibc]}
- {name: zlib, version: "1.3.1", depends: [glibc]}
`)
	order, err := s.Topological([]string{"gcc", "zlib"})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 4 {
		t.Fatalf("order has %d entries, want 4 (transitive closure): %v", len(order), order)
	}
	for _, edge := range [][2]string{
		{"glibc", "binutils"},
		{"binutils", "gcc"},
		{"glibc", "gcc"},
		{"glibc", "zlib"},
	} {
		if indexOf(order, edge[0]) > indexOf(order, edge[1]) {
			t.Errorf("%s ordered after its dependent %s", edge[0], edge[1])
		}
	}
}

func TestTopologicalDeduplicates(t *testing.T) {
	s := storeFrom(t, `
- {name: base, version: "1"}
- {name: x, version: "1", depends: [base]}
- {name: y, version: "1", depends: [base]}
`)
	order, err := s.Topological([]string{"x", "y"})
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	for _, r := range order {
		if r.Name == "base" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("base appears %d times, want 1", seen)
	}
}

func TestSelfCycle(t *testing.T) {
	s := storeFrom(t, `
- {name: a, version: "1", depends: [a]}
`)
	_, err := s.Topological([]string{"a"})
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Topological = %v, want CycleError", err)
	}
}

func TestLongerCycleEnumerated(t *testing.T) {
	s := storeFrom(t, `
- {name: a, version: "1", depends: [b]}
- {name: b, version: "1", depends: [a]}
`)
	_, err := s.Topological([]string{"a"})
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Topological = %v, want CycleError", err)
	}
	msg := ce.Error()
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") {
		t.Fatalf("cycle error %q does not name both members", msg)
	}
}

func TestDependents(t *testing.T) {
	s := storeFrom(t, `
- {name: a, version: "1"}
- {name: b, version: "1", depends: [a]}
- {name: c, version: "1", depends: [a, b]}
`)
	deps, err := s.Dependents([]string{"c"})
	if err != nil {
		t.Fatal(err)
	}
	if got := deps["a"]; len(got) != 2 {
		t.Errorf("Dependents[a] = %v, want b and c", got)
	}
	if got := deps["b"]; len(got) != 1 || got[0] != "c" {
		t.Errorf("Dependents[b] = %v, want [c]", got)
	}
}
