package main

import (
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fcanata00/orquestrator"
	"github.com/fcanata00/orquestrator/internal/env"
	"github.com/fcanata00/orquestrator/internal/events"
	"github.com/fcanata00/orquestrator/internal/extract"
	"github.com/fcanata00/orquestrator/internal/fetcher"
	"github.com/fcanata00/orquestrator/internal/fslayout"
	"github.com/fcanata00/orquestrator/internal/install"
	"github.com/fcanata00/orquestrator/internal/isolation"
	"github.com/fcanata00/orquestrator/internal/lockfile"
	"github.com/fcanata00/orquestrator/internal/logsink"
	"github.com/fcanata00/orquestrator/internal/phase"
	"github.com/fcanata00/orquestrator/internal/pipeline"
	"github.com/fcanata00/orquestrator/internal/recipe"
	"github.com/fcanata00/orquestrator/internal/state"
)

// app wires the components for one CLI invocation.
type app struct {
	cfg     *env.Config
	layout  *fslayout.Layout
	recipes *recipe.Store
	states  *state.Store
	locks   *lockfile.Registry
	sink    logsink.Sink
	rec     events.Recorder
	log     *log.Logger
}

func newApp() (*app, error) {
	cfg, err := env.LoadConfig(env.Root)
	if err != nil {
		return nil, err
	}
	layout := &fslayout.Layout{Root: cfg.Root}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	recipes, err := recipe.Load(layout.RecipesDir())
	if err != nil {
		return nil, err
	}
	sink, err := logsink.NewFileSink(layout)
	if err != nil {
		return nil, err
	}

	var rec events.Recorder = events.Nop{}
	if *httpListen != "" {
		// With an HTTP listener up, expose the run as Prometheus metrics.
		rec = events.NewPromRecorder(prometheus.DefaultRegisterer)
		http.Handle("/metrics", promhttp.Handler())
	}

	a := &app{
		cfg:     cfg,
		layout:  layout,
		recipes: recipes,
		states:  &state.Store{Layout: layout},
		locks:   &lockfile.Registry{Dir: layout.LockDir()},
		sink:    sink,
		rec:     rec,
		log:     log.New(os.Stderr, "", log.LstdFlags),
	}
	// The merged state snapshots regenerate once, at end-of-run, no matter
	// which verb ran or how it ended.
	orquestrator.RegisterAtExit(a.snapshotAll)
	return a, nil
}

func (a *app) newEngine(resume, noStrip bool, retry int, mode string) *pipeline.Engine {
	return &pipeline.Engine{
		Layout:  a.layout,
		Config:  a.cfg,
		States:  a.states,
		Locks:   a.locks,
		Fetcher: &fetcher.Fetcher{Layout: a.layout, Log: a.log, Recorder: a.rec},
		Extract: &extract.Extractor{Layout: a.layout, Log: a.log},
		Runner: &phase.Runner{
			Log:      a.log,
			Sink:     a.sink,
			Recorder: a.rec,
			Patterns: a.cfg.SilentPatterns,
		},
		Iso: &isolation.Manager{
			Log:       a.log,
			ChrootDir: a.cfg.ChrootDir,
			Locks:     a.locks,
		},
		Sink:         a.sink,
		Recorder:     a.rec,
		Log:          a.log,
		Resume:       resume,
		NoStrip:      noStrip,
		ModeOverride: mode,
		Retries:      retry,
	}
}

func (a *app) newInstaller(force, verifyOnly, dryRun bool) *install.Ctx {
	return &install.Ctx{
		Layout:     a.layout,
		States:     a.states,
		Locks:      a.locks,
		Extract:    &extract.Extractor{Layout: a.layout, Log: a.log},
		Log:        a.log,
		Recorder:   a.rec,
		Force:      force,
		VerifyOnly: verifyOnly,
		DryRun:     dryRun,
	}
}

// targets resolves positional package arguments, defaulting to the whole
// fleet.
func (a *app) targets(args []string, all bool) ([]*recipe.Recipe, error) {
	if len(args) == 0 || all {
		return a.recipes.All(), nil
	}
	result := make([]*recipe.Recipe, 0, len(args))
	for _, name := range args {
		r, err := a.recipes.Find(name)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

// snapshotAll regenerates the merged state snapshots at end-of-run.
func (a *app) snapshotAll() error {
	for _, phase := range fslayout.StatePhases {
		if err := a.states.MergeSnapshot(phase); err != nil {
			return err
		}
	}
	return nil
}
