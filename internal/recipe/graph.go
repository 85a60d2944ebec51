package recipe

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type node struct {
	id     int64
	recipe *Recipe
}

func (n *node) ID() int64 { return n.id }

// CycleError reports a dependency cycle. No package of a run is started when
// one is detected.
type CycleError struct {
	Members []string // package names forming the cycle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Members, " → "))
}

// Topological resolves names plus their transitive dependencies into an
// ordering where every dependency appears before its dependents. Names
// referenced by multiple depend lists appear once. Self-cycles and longer
// cycles fail the whole call with the cycle enumerated.
func (s *Store) Topological(names []string) ([]*Recipe, error) {
	g := simple.NewDirectedGraph()
	nodes := make(map[string]*node)

	var add func(name string) (*node, error)
	add = func(name string) (*node, error) {
		if n, ok := nodes[name]; ok {
			return n, nil
		}
		r, err := s.Find(name)
		if err != nil {
			return nil, err
		}
		n := &node{id: int64(len(nodes)), recipe: r}
		nodes[name] = n
		g.AddNode(n)
		for _, dep := range r.Depends {
			if dep == name {
				return nil, &CycleError{Members: []string{name, name}}
			}
			d, err := add(dep)
			if err != nil {
				return nil, err
			}
			// dependency → dependent, so that topological order yields
			// predecessors first.
			g.SetEdge(g.NewEdge(d, n))
		}
		return n, nil
	}

	for _, name := range names {
		if _, err := add(name); err != nil {
			return nil, err
		}
	}

	sorted, err := topo.Sort(g)
	if err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return nil, err
		}
		var members []string
		for _, component := range uo {
			for _, n := range component {
				members = append(members, n.(*node).recipe.Name)
			}
		}
		sort.Strings(members)
		return nil, &CycleError{Members: members}
	}

	result := make([]*Recipe, len(sorted))
	for i, n := range sorted {
		result[i] = n.(*node).recipe
	}
	return result, nil
}

// Dependents returns, for each package in the closure of names, the packages
// which directly depend on it.
func (s *Store) Dependents(names []string) (map[string][]string, error) {
	order, err := s.Topological(names)
	if err != nil {
		return nil, err
	}
	inClosure := make(map[string]bool, len(order))
	for _, r := range order {
		inClosure[r.Name] = true
	}
	result := make(map[string][]string)
	for _, r := range order {
		for _, dep := range r.Depends {
			if inClosure[dep] {
				result[dep] = append(result[dep], r.Name)
			}
		}
	}
	return result, nil
}
