package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/batch"
	"github.com/fcanata00/orquestrator/internal/events"
	"github.com/fcanata00/orquestrator/internal/state"
)

const buildHelp = `orquestrator build [-flags] [package …]

Build packages through the full pipeline
(fetch → extract → patch → configure → make → install → strip → package),
scheduling over the dependency graph with bounded concurrency. Without
package arguments, the whole fleet is built.

Example:
  % orquestrator build -jobs=8 -continue gcc
`

func cmdbuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		cont    = fset.Bool("continue", false, "skip packages already recorded ok")
		noStrip = fset.Bool("no_strip", false, "do not strip installed binaries")
		retry   = fset.Int("retry", -1, "per-phase retries (default: configured value)")
		jobs    = fset.Int("jobs", 0, "parallel package builds (default: configured concurrency)")
		mode    = fset.String("mode", "", "isolation mode override: direct, fakeroot or chroot")
	)
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	targets, err := a.targets(fset.Args(), false)
	if err != nil {
		return err
	}
	names := make([]string, len(targets))
	for i, r := range targets {
		names[i] = r.Name
	}

	eng := a.newEngine(*cont, *noStrip, *retry, *mode)
	if *jobs == 0 {
		*jobs = a.cfg.Concurrency
	}

	// The virtual-filesystem batch brackets the whole run when chroot
	// builds are requested.
	if *mode == "chroot" || (*mode == "" && a.cfg.Mode == "chroot") {
		if err := eng.Iso.MountAll(ctx); err != nil {
			return err
		}
		defer func() {
			if err := eng.Iso.UnmountAll(context.Background(), false); err != nil {
				a.log.Printf("unmounting virtual filesystems: %v", err)
			}
		}()
	}

	// Resource samples for the duration of the run.
	sctx, cancelSampler := context.WithCancel(ctx)
	defer cancelSampler()
	go events.SampleLoop(sctx, a.rec, "run", a.cfg.Root, time.Second)

	c := &batch.Ctx{
		Log:      a.log,
		Engine:   eng,
		Recipes:  a.recipes,
		States:   a.states,
		Recorder: a.rec,
		Jobs:     *jobs,
	}
	outcomes, err := c.Run(ctx, names)
	if err != nil {
		return err
	}

	failed := 0
	for name, out := range outcomes {
		if out.Status == state.Failed {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %s (see %s)\n", name, out.Reason, a.layout.LogDir(name))
		}
	}
	a.log.Printf("%d packages, %d failed", len(outcomes), failed)
	if failed > 0 {
		return xerrors.Errorf("%d of %d packages failed", failed, len(outcomes))
	}
	return nil
}
