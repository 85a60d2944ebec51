package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/pipeline"
	"github.com/fcanata00/orquestrator/internal/state"
)

const fetchHelp = `orquestrator fetch [-flags] [package …]

Download package sources into the shared cache, verifying checksums and
falling back to mirrors. Without package arguments (or with -all), the whole
fleet is fetched.

Example:
  % orquestrator fetch -jobs=4 zlib binutils
`

func cmdfetch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fetch", flag.ExitOnError)
	var (
		all         = fset.Bool("all", false, "fetch every registered recipe")
		update      = fset.Bool("update", false, "re-download cached artifacts")
		gitUpdate   = fset.Bool("git_update", false, "update git checkouts (fetch with prune, fast-forward)")
		removeCache = fset.Bool("remove_cache", false, "scrub the sources cache and exit")
		jobs        = fset.Int("jobs", 0, "parallel downloads (default: configured concurrency)")
	)
	fset.Usage = usage(fset, fetchHelp)
	fset.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}

	if *removeCache {
		// Destructive fleet-wide operation: exclude everything else.
		global, err := a.locks.AcquireGlobal(ctx)
		if err != nil {
			return err
		}
		defer global.Release()
		a.log.Printf("scrubbing sources cache below %s", a.cfg.Root)
		if err := os.RemoveAll(a.layout.SourcesDir("")); err != nil {
			return err
		}
		return a.layout.Ensure()
	}

	targets, err := a.targets(fset.Args(), *all)
	if err != nil {
		return err
	}

	eng := a.newEngine(false, false, -1, "")
	if *jobs == 0 {
		*jobs = a.cfg.Concurrency
	}

	outcomes := make([]pipeline.Outcome, len(targets))
	var eg errgroup.Group
	eg.SetLimit(*jobs)
	for i, r := range targets {
		i, r := i, r // copy
		eg.Go(func() error {
			outcomes[i] = eng.Fetch(ctx, r, *update || *gitUpdate)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	failed := 0
	for i, out := range outcomes {
		if out.Status == state.Failed {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %s\n", targets[i].Name, out.Reason)
		}
	}
	if failed > 0 {
		return xerrors.Errorf("%d of %d packages failed to fetch", failed, len(targets))
	}
	return nil
}

func usage(fset *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintln(os.Stderr)
		fset.PrintDefaults()
	}
}
