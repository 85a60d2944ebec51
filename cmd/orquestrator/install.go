package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator"
	"github.com/fcanata00/orquestrator/internal/install"
	"github.com/fcanata00/orquestrator/internal/recipe"
	"github.com/fcanata00/orquestrator/internal/state"
)

const installHelp = `orquestrator install [-flags] [package …]

Install packaged artifacts into a target root, taking a pre-image backup
first and rolling back on failure. Installers of different packages run
concurrently; the same package is serialized by the install lock.

Example:
  % orquestrator install -root=/mnt/lfs zlib
`

func cmdinstall(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	var (
		cont       = fset.Bool("continue", false, "skip packages already recorded installed")
		verifyOnly = fset.Bool("verify_only", false, "run the integrity predicate without installing")
		dryRun     = fset.Bool("dry_run", false, "log actions without touching the target root")
		root       = fset.String("root", "/", "target root to install into")
		jobs       = fset.Int("jobs", 0, "parallel installs (default: configured concurrency)")
	)
	fset.Usage = usage(fset, installHelp)
	fset.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	targets, err := a.targets(fset.Args(), false)
	if err != nil {
		return err
	}

	inst := a.newInstaller(!*cont, *verifyOnly, *dryRun)
	if *jobs == 0 {
		*jobs = a.cfg.Concurrency
	}

	results := make([]install.Result, len(targets))
	var eg errgroup.Group
	eg.SetLimit(*jobs)
	for i, r := range targets {
		i, r := i, r // copy
		eg.Go(func() error {
			artifact, err := a.artifactPath(r)
			if err != nil {
				a.log.Printf("[%s] %v", r.Name, err)
				results[i] = install.Result{Status: state.Failed, Reason: "artifact_missing"}
				return nil
			}
			res, err := inst.Install(r.Name, artifact, *root)
			if err != nil {
				a.log.Printf("[%s] install: %v", r.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	failed := 0
	for i, res := range results {
		if res.Status == state.Failed {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %s\n", targets[i].Name, res.Reason)
		}
	}
	if failed > 0 {
		return xerrors.Errorf("%d of %d packages failed to install", failed, len(targets))
	}
	return nil
}

// artifactPath resolves a package's artifact: the build state's record wins
// (it carries the content hash), the conventional packages path is the
// fallback. The (name, version) embedded in the artifact file name must
// match the recipe — a stale state record pointing at a previous version's
// artifact is ignored.
func (a *app) artifactPath(r *recipe.Recipe) (string, error) {
	want := orquestrator.PackageVersion{Pkg: r.Name, Version: r.Version}
	if st, err := a.states.Read("build", r.Name); err == nil && st != nil && st.Artifact != nil {
		if got := orquestrator.ParseVersion(st.Artifact.Path); got != want {
			a.log.Printf("[%s] recorded artifact %s is %s, want %s; using the packages dir",
				r.Name, st.Artifact.Path, got, want)
		} else if _, err := os.Stat(st.Artifact.Path); err == nil {
			return st.Artifact.Path, nil
		}
	}
	fn := a.layout.PackagePath(r.Name, r.Version, a.cfg.ArchiveType)
	if _, err := os.Stat(fn); err != nil {
		return "", xerrors.Errorf("no packaged artifact for %s (run build first): %w", r.FullName(), err)
	}
	return fn, nil
}
