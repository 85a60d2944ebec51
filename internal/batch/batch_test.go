package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fcanata00/orquestrator/internal/pipeline"
	"github.com/fcanata00/orquestrator/internal/recipe"
	"github.com/fcanata00/orquestrator/internal/state"
)

func storeFrom(t *testing.T, doc string) *recipe.Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fleet.yml"), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := recipe.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	recipes := storeFrom(t, `
- {name: a, version: "1"}
- {name: b, version: "1", depends: [a]}
`)
	var mu sync.Mutex
	var order []string
	c := &Ctx{
		Recipes: recipes,
		Jobs:    2,
		BuildFunc: func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome {
			mu.Lock()
			order = append(order, r.Name)
			mu.Unlock()
			return pipeline.Outcome{Status: state.Ok}
		},
	}
	outcomes, err := c.Run(context.Background(), []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("build order = %v, want [a b]", order)
	}
}

func TestRunFailureBlocksDependentsDrainsSiblings(t *testing.T) {
	recipes := storeFrom(t, `
- {name: a, version: "1"}
- {name: b, version: "1", depends: [a]}
- {name: c, version: "1"}
`)
	c := &Ctx{
		Recipes: recipes,
		Jobs:    1,
		BuildFunc: func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome {
			if r.Name == "a" {
				return pipeline.Outcome{Status: state.Failed, Reason: "silent_error"}
			}
			return pipeline.Outcome{Status: state.Ok}
		},
	}
	outcomes, err := c.Run(context.Background(), []string{"b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomes["a"]; got.Status != state.Failed {
		t.Errorf("a = %+v, want failed", got)
	}
	if got := outcomes["b"]; got.Status != state.Failed || got.Reason != "blocked" {
		t.Errorf("b = %+v, want failed/blocked (never dispatched)", got)
	}
	if got := outcomes["c"]; got.Status != state.Ok {
		t.Errorf("c = %+v; an independent branch must still drain", got)
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	recipes := storeFrom(t, `
- {name: p1, version: "1"}
- {name: p2, version: "1"}
- {name: p3, version: "1"}
- {name: p4, version: "1"}
- {name: p5, version: "1"}
`)
	var inFlight, peak int32
	c := &Ctx{
		Recipes: recipes,
		Jobs:    2,
		BuildFunc: func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return pipeline.Outcome{Status: state.Ok}
		},
	}
	if _, err := c.Run(context.Background(), []string{"p1", "p2", "p3", "p4", "p5"}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency = %d, want ≤ 2", got)
	}
}

func TestRunCycleFailsBeforeDispatch(t *testing.T) {
	recipes := storeFrom(t, `
- {name: a, version: "1", depends: [b]}
- {name: b, version: "1", depends: [a]}
`)
	dispatched := false
	c := &Ctx{
		Recipes: recipes,
		Jobs:    1,
		BuildFunc: func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome {
			dispatched = true
			return pipeline.Outcome{Status: state.Ok}
		},
	}
	_, err := c.Run(context.Background(), []string{"a"})
	var ce *recipe.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Run = %v, want CycleError", err)
	}
	if dispatched {
		t.Fatal("a package was dispatched despite the cycle")
	}
}

func TestRunSkippedDependencyBlocks(t *testing.T) {
	recipes := storeFrom(t, `
- {name: a, version: "1"}
- {name: b, version: "1", depends: [a]}
`)
	c := &Ctx{
		Recipes: recipes,
		Jobs:    1,
		BuildFunc: func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome {
			return pipeline.Outcome{Status: state.Skipped, Reason: "locked"}
		},
	}
	outcomes, err := c.Run(context.Background(), []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomes["a"]; got.Status != state.Skipped {
		t.Errorf("a = %+v, want skipped", got)
	}
	if got := outcomes["b"]; got.Reason != "blocked" {
		t.Errorf("b = %+v; a skipped dependency must still block", got)
	}
}
