// Package batch schedules a set of packages over a bounded worker pool,
// respecting the dependency DAG: ready packages are dispatched as worker
// slots free up, a failed package blocks its dependents but independent
// branches keep draining.
package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/fcanata00/orquestrator/internal/events"
	"github.com/fcanata00/orquestrator/internal/pipeline"
	"github.com/fcanata00/orquestrator/internal/recipe"
	"github.com/fcanata00/orquestrator/internal/state"
)

type node struct {
	id     int64
	recipe *recipe.Recipe
}

func (n *node) ID() int64 { return n.id }

// Ctx is a batch run context, containing configuration and state.
type Ctx struct {
	Log      *log.Logger
	Engine   *pipeline.Engine
	Recipes  *recipe.Store
	States   *state.Store
	Recorder events.Recorder
	Jobs     int

	// BuildFunc overrides the pipeline engine (tests, dry runs).
	BuildFunc func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome
}

func (c *Ctx) build(ctx context.Context, r *recipe.Recipe) pipeline.Outcome {
	if c.BuildFunc != nil {
		return c.BuildFunc(ctx, r)
	}
	return c.Engine.Build(ctx, r)
}

// Run schedules targets plus their transitive dependencies. A dependency
// cycle fails before any package is dispatched. The returned map holds the
// terminal outcome of every package in the closure.
func (c *Ctx) Run(ctx context.Context, targets []string) (map[string]pipeline.Outcome, error) {
	order, err := c.Recipes.Topological(targets)
	if err != nil {
		return nil, err
	}

	g := simple.NewDirectedGraph()
	byName := make(map[string]*node, len(order))
	for idx, r := range order {
		n := &node{id: int64(idx), recipe: r}
		byName[r.Name] = n
		g.AddNode(n)
	}
	// Edges point package → dependency: a node is ready when everything it
	// points at completed ok.
	for _, r := range order {
		n := byName[r.Name]
		for _, dep := range r.Depends {
			if d, ok := byName[dep]; ok {
				g.SetEdge(g.NewEdge(n, d))
			}
		}
	}

	jobs := c.Jobs
	if jobs < 1 {
		jobs = 1
	}
	s := &scheduler{
		log:      c.Log,
		states:   c.States,
		build:    c.build,
		recorder: c.Recorder,
		workers:  jobs,
		g:        g,
		byName:   byName,
		outcomes: make(map[string]pipeline.Outcome),
		status:   make([]string, jobs+1),
	}
	if err := s.run(ctx); err != nil {
		return s.outcomes, err
	}
	return s.outcomes, nil
}

type buildResult struct {
	node    *node
	outcome pipeline.Outcome
}

type scheduler struct {
	log      *log.Logger
	states   *state.Store
	build    func(ctx context.Context, r *recipe.Recipe) pipeline.Outcome
	recorder events.Recorder
	workers  int
	g        graph.Directed
	byName   map[string]*node

	outcomes map[string]pipeline.Outcome

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time
}

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

func (s *scheduler) refreshStatus() {
	if !isTerminal {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastStatus = time.Now()
	var maxLen int
	for _, line := range s.status {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	for _, line := range s.status {
		if len(line) < maxLen {
			// overwrite stale characters with whitespace,
			// in every line to clear artifacts
			line += strings.Repeat(" ", maxLen-len(line))
		}
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(s.status)) // restore cursor position
}

func (s *scheduler) updateStatus(idx int, newStatus string) {
	if !isTerminal {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if diff := len(s.status[idx]) - len(newStatus); diff > 0 {
		newStatus += strings.Repeat(" ", diff) // overwrite stale characters with whitespace
	}
	s.status[idx] = newStatus
	if time.Since(s.lastStatus) < 100*time.Millisecond {
		// printing status too frequently slows down the program
		return
	}
	s.lastStatus = time.Now()
	for _, line := range s.status {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(s.status)) // restore cursor position
}

func (s *scheduler) run(ctx context.Context) error {
	numNodes := s.g.Nodes().Len()
	if numNodes == 0 {
		return nil
	}
	work := make(chan *node, numNodes)
	done := make(chan buildResult)
	eg, wctx := errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		i := i // copy
		eg.Go(func() error {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for n := range work {
				if err := wctx.Err(); err != nil {
					return err
				}
				ev := events.TraceEvent("build "+n.recipe.Name, i)
				s.updateStatus(i+1, "building "+n.recipe.Name)
				start := time.Now()
				result := make(chan pipeline.Outcome, 1)
				go func() {
					result <- s.build(wctx, n.recipe)
				}()

				var outcome pipeline.Outcome
			Build:
				for {
					select {
					case outcome = <-result:
						break Build
					case <-ticker.C:
						s.updateStatus(i+1, fmt.Sprintf("building %s since %v", n.recipe.Name, time.Since(start).Round(time.Second)))
					}
				}
				ev.Done()

				select {
				case done <- buildResult{node: n, outcome: outcome}:
				case <-wctx.Done():
					return wctx.Err()
				}
				s.updateStatus(i+1, "idle")
			}
			return nil
		})
	}

	// Enqueue all packages which have no dependencies to get the run
	// started:
	for nodes := s.g.Nodes(); nodes.Next(); {
		n := nodes.Node()
		if s.g.From(n.ID()).Len() == 0 {
			select {
			case work <- n.(*node):
			case <-wctx.Done():
				close(work)
				eg.Wait()
				return wctx.Err()
			}
		}
	}
	go func() {
		defer close(work)
		var succeeded, failed int
		for len(s.outcomes) < numNodes { // scheduler tick
			select {
			case result := <-done:
				name := result.node.recipe.Name
				s.outcomes[name] = result.outcome
				s.updateStatus(0, fmt.Sprintf("%d of %d packages: %d ok, %d failed",
					len(s.outcomes), numNodes, succeeded, failed))

				if result.outcome.Status == state.Ok {
					succeeded++
					for to := s.g.To(result.node.ID()); to.Next(); {
						if candidate := to.Node(); s.canBuild(candidate) {
							work <- candidate.(*node)
						}
					}
				} else {
					if s.log != nil {
						s.log.Printf("build of %s ended %s (%s), see %s.log",
							name, result.outcome.Status, result.outcome.Reason, name)
					}
					s.refreshStatus()
					failed += 1 + s.markBlocked(result.node)
				}

			case <-wctx.Done():
				return
			}
		}
	}()
	return eg.Wait()
}

// markBlocked records every transitive dependent of n as blocked; they are
// never dispatched. A failed package does not cancel siblings.
func (s *scheduler) markBlocked(n graph.Node) int {
	blocked := 0
	for to := s.g.To(n.ID()); to.Next(); {
		d := to.Node().(*node)
		if out, ok := s.outcomes[d.recipe.Name]; ok && out.Status == state.Ok {
			log.Fatalf("BUG: %s already succeeded, but dependencies cannot be fulfilled", d.recipe.Name)
		}
		if _, ok := s.outcomes[d.recipe.Name]; !ok {
			s.outcomes[d.recipe.Name] = pipeline.Outcome{Status: state.Failed, Reason: "blocked"}
			if s.states != nil {
				if err := s.states.Write("build", d.recipe.Name, &state.State{
					Package: d.recipe.Name,
					Status:  state.Failed,
					Phase:   "schedule",
					Reason:  "blocked",
				}); err != nil && s.log != nil {
					s.log.Printf("writing blocked state for %s: %v", d.recipe.Name, err)
				}
			}
			blocked++
		}
		blocked += s.markBlocked(d)
	}
	return blocked
}

// canBuild returns whether all dependencies of candidate completed ok.
func (s *scheduler) canBuild(candidate graph.Node) bool {
	for from := s.g.From(candidate.ID()); from.Next(); {
		name := from.Node().(*node).recipe.Name
		if out, ok := s.outcomes[name]; !ok || out.Status != state.Ok {
			return false
		}
	}
	return true
}
