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

const extractHelp = `orquestrator extract [-flags] [package …]

Materialize package workspaces from the sources cache (fetching anything
missing) and apply patches. Workspaces are discarded and rebuilt from
scratch.

Example:
  % orquestrator extract zlib
`

func cmdextract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		jobs = fset.Int("jobs", 0, "parallel extractions (default: configured concurrency)")
	)
	fset.Usage = usage(fset, extractHelp)
	fset.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	targets, err := a.targets(fset.Args(), false)
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
			outcomes[i] = eng.ExtractOnly(ctx, r)
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
		return xerrors.Errorf("%d of %d packages failed to extract", failed, len(targets))
	}
	return nil
}
