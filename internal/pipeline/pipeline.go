// Package pipeline drives one package through
// fetch → extract → patch → configure → make → install → strip → package,
// persisting every transition to the state store and quarantining the
// workspace on failure.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/env"
	"github.com/fcanata00/orquestrator/internal/events"
	"github.com/fcanata00/orquestrator/internal/extract"
	"github.com/fcanata00/orquestrator/internal/fetcher"
	"github.com/fcanata00/orquestrator/internal/fslayout"
	"github.com/fcanata00/orquestrator/internal/isolation"
	"github.com/fcanata00/orquestrator/internal/lockfile"
	"github.com/fcanata00/orquestrator/internal/logsink"
	"github.com/fcanata00/orquestrator/internal/phase"
	"github.com/fcanata00/orquestrator/internal/recipe"
	"github.com/fcanata00/orquestrator/internal/state"
)

// Outcome is the terminal result of one package's pipeline run.
type Outcome struct {
	Status state.Status
	Reason string
}

// Engine executes package pipelines. One engine serves all workers; all
// per-package state lives on the stack of Build.
type Engine struct {
	Layout   *fslayout.Layout
	Config   *env.Config
	States   *state.Store
	Locks    *lockfile.Registry
	Fetcher  *fetcher.Fetcher
	Extract  *extract.Extractor
	Runner   *phase.Runner
	Iso      *isolation.Manager
	Sink     logsink.Sink
	Recorder events.Recorder
	Log      *log.Logger

	Resume       bool   // skip packages already recorded ok
	NoStrip      bool   // overrides recipe/config stripping
	ModeOverride string // overrides recipe build.mode
	Retries      int    // per-phase retries; <0 means use config
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

func (e *Engine) retries() int {
	if e.Retries >= 0 {
		return e.Retries
	}
	return e.Config.Retries
}

// reason maps an error to the recorded failure kind, defaulting to
// fallback for plain command failures.
func reason(err error, fallback string) string {
	var se *phase.SilentError
	if xerrors.As(err, &se) {
		return "silent_error"
	}
	var te *phase.TimeoutError
	if xerrors.As(err, &te) {
		return "timed_out"
	}
	var cm *fetcher.ChecksumMismatchError
	if xerrors.As(err, &cm) {
		return "checksum_mismatch"
	}
	var uc *fetcher.UnsupportedChecksumError
	if xerrors.As(err, &uc) {
		return "unsupported_checksum"
	}
	var pr *extract.PatchRejectedError
	if xerrors.As(err, &pr) {
		return "patch_rejected"
	}
	var iu *isolation.UnavailableError
	if xerrors.As(err, &iu) {
		return "isolation_unavailable"
	}
	return fallback
}

type fetchResult struct {
	archives []string // absolute cached archive paths, sources order
	patches  []string // absolute cached patch paths, sources order
	gits     []string // git checkout directories, sources order
	records  []state.SourceRecord
	commit   string
}

// Build runs the full pipeline for r and returns the terminal outcome. A
// package already locked by another process comes back skipped, not failed.
func (e *Engine) Build(ctx context.Context, r *recipe.Recipe) Outcome {
	lock, busy, err := e.Locks.TryAcquire("build", r.Name)
	if err != nil {
		return e.fail(r, "lock", "lock_error", err)
	}
	if busy {
		e.logf("[%s] locked by another process, skipping", r.Name)
		// The lock holder owns the state file; report without writing.
		return Outcome{Status: state.Skipped, Reason: "locked"}
	}
	defer lock.Release()

	if e.Resume {
		st, err := e.States.Read("build", r.Name)
		if err != nil {
			return e.fail(r, "resume", "state_error", err)
		}
		if st != nil && st.Status == state.Ok {
			e.logf("[%s] already ok, skipping", r.Name)
			return Outcome{Status: state.Ok, Reason: "up-to-date"}
		}
		// Any other recorded status restarts from scratch; there is no
		// mid-pipeline resume.
	}

	if len(r.Sources) == 0 {
		e.writeState(r, state.Skipped, "fetch", "no-sources-found", nil)
		return Outcome{Status: state.Skipped, Reason: "no-sources-found"}
	}

	e.event(r, "info", "pipeline started")

	// Workspaces are discarded on each fresh build; extraction is not
	// incremental.
	ws := e.Layout.Workspace(r.Name)
	if err := os.RemoveAll(e.Layout.WorkspaceRoot(r.Name)); err != nil {
		return e.fail(r, "extract", "workspace_error", err)
	}

	e.writeProgress(r, "fetch")
	fr, err := e.fetchSources(ctx, r)
	if err != nil {
		return e.fail(r, "fetch", reason(err, "fetch_failed"), err)
	}

	e.writeProgress(r, "extract")
	e.hook(ctx, r, "pre_extract", r.Hooks.PreExtract, e.Layout.SourcesDir(r.Name), nil)
	if err := e.extractSources(ctx, r, fr, ws); err != nil {
		return e.failQuarantine(r, "extract", reason(err, "extract_failed"), err)
	}
	e.hook(ctx, r, "post_extract", r.Hooks.PostExtract, ws.SrcDir, nil)

	envFile, phaseEnv, err := e.writeEnvFile(r, ws)
	if err != nil {
		return e.failQuarantine(r, "extract", "workspace_error", err)
	}

	e.writeProgress(r, "patch")
	if err := e.Extract.ApplyPatches(ctx, ws.SrcDir, fr.patches); err != nil {
		return e.failQuarantine(r, "patch", reason(err, "patch_rejected"), err)
	}
	e.hook(ctx, r, "post_patch", r.Hooks.PostPatch, ws.SrcDir, phaseEnv)

	mode, err := e.Iso.Resolve(r.Build.Mode, e.modeOverride())
	if err != nil {
		return e.failQuarantine(r, "configure", "isolation_unavailable", err)
	}
	wrap := func(ctx context.Context, script string) (*exec.Cmd, error) {
		return e.Iso.Wrap(ctx, mode, script)
	}

	run := func(phaseName, command string, destdir string) error {
		return e.Runner.Run(ctx, &phase.Request{
			Pkg:     r.Name,
			Phase:   phaseName,
			Command: command,
			Dir:     ws.BuildDir,
			EnvFile: envFile,
			Env:     phaseEnv,
			Timeout: time.Duration(e.Config.Timeout),
			Retries: e.retries(),
			Wrap:    wrap,
			DestDir: destdir,
		})
	}

	e.writeProgress(r, "configure")
	e.hook(ctx, r, "pre_build", r.Hooks.PreBuild, ws.BuildDir, phaseEnv)
	if r.Build.Configure != "" {
		if err := run("configure", r.Build.Configure, ""); err != nil {
			return e.failQuarantine(r, "configure", reason(err, "configure_failed"), err)
		}
	}

	e.writeProgress(r, "make")
	if r.Build.Make != "" {
		if err := run("make", r.Build.Make, ""); err != nil {
			return e.failQuarantine(r, "make", reason(err, "make_failed"), err)
		}
	}
	e.hook(ctx, r, "post_build", r.Hooks.PostBuild, ws.BuildDir, phaseEnv)

	e.writeProgress(r, "install")
	e.hook(ctx, r, "pre_install", r.Hooks.PreInstall, ws.BuildDir, phaseEnv)
	if r.Build.Install != "" {
		if err := run("install", r.Build.Install, ws.DestDir); err != nil {
			return e.failQuarantine(r, "install", reason(err, "install_failed"), err)
		}
	}
	e.hook(ctx, r, "post_install", r.Hooks.PostInstall, ws.BuildDir, phaseEnv)

	e.writeProgress(r, "strip")
	if e.stripEnabled(r) {
		// Stripping is best-effort: a failure warns but never fails the
		// package.
		if err := e.stripDestdir(ctx, r, ws.DestDir); err != nil {
			e.logf("[%s] strip: %v", r.Name, err)
			e.event(r, "warn", fmt.Sprintf("strip: %v", err))
		}
		e.hook(ctx, r, "post_strip", r.Hooks.PostStrip, ws.DestDir, phaseEnv)
	}

	e.writeProgress(r, "package")
	artifact, err := e.pack(r, ws)
	if err != nil {
		return e.failQuarantine(r, "package", "package_failed", err)
	}

	e.writeState(r, state.Ok, "package", "", func(st *state.State) {
		st.Sources = fr.records
		st.Commit = fr.commit
		st.Artifact = artifact
	})
	e.event(r, "info", "pipeline finished")
	return Outcome{Status: state.Ok}
}

func (e *Engine) modeOverride() string {
	if e.ModeOverride != "" {
		return e.ModeOverride
	}
	return e.Config.Mode
}

func (e *Engine) stripEnabled(r *recipe.Recipe) bool {
	if e.NoStrip {
		return false
	}
	if r.Strip != nil {
		return *r.Strip
	}
	return e.Config.Strip
}

func (e *Engine) event(r *recipe.Recipe, level, msg string) {
	if e.Recorder != nil {
		e.Recorder.Event(events.Event{JobID: r.Name, Level: level, Message: msg, Timestamp: time.Now()})
	}
	if e.Sink != nil {
		e.Sink.Record(logsink.Record{Level: level, Timestamp: time.Now(), Pkg: r.Name, Message: msg})
	}
}

func (e *Engine) writeProgress(r *recipe.Recipe, phaseName string) {
	e.writeState(r, state.InProgress, phaseName, "", nil)
}

func (e *Engine) writeState(r *recipe.Recipe, status state.Status, phaseName, reason string, mutate func(*state.State)) {
	st := &state.State{
		Package:   r.Name,
		Status:    status,
		Phase:     phaseName,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(st)
	}
	if err := e.States.Write("build", r.Name, st); err != nil {
		e.logf("[%s] writing state: %v", r.Name, err)
	}
}

func (e *Engine) fail(r *recipe.Recipe, phaseName, reasonKind string, err error) Outcome {
	e.logf("[%s] %s failed: %v", r.Name, phaseName, err)
	e.event(r, "error", fmt.Sprintf("%s failed: %v", phaseName, err))
	e.writeState(r, state.Failed, phaseName, reasonKind, nil)
	return Outcome{Status: state.Failed, Reason: reasonKind}
}

func (e *Engine) failQuarantine(r *recipe.Recipe, phaseName, reasonKind string, err error) Outcome {
	if !e.Config.QuarantineOff {
		root := e.Layout.WorkspaceRoot(r.Name)
		if _, statErr := os.Stat(root); statErr == nil {
			if q, qErr := e.Layout.Quarantine(root); qErr != nil {
				e.logf("[%s] quarantine: %v", r.Name, qErr)
			} else {
				e.logf("[%s] workspace quarantined to %s", r.Name, q)
			}
		}
	}
	return e.fail(r, phaseName, reasonKind, err)
}

// fetchSources acquires every source entry into the cache, in order.
// Patches are collected for the patch edge; git checkouts for the extract
// edge. The fetch-phase state record is written on success.
func (e *Engine) fetchSources(ctx context.Context, r *recipe.Recipe) (*fetchResult, error) {
	cache := e.Layout.SourcesDir(r.Name)
	fr := &fetchResult{}
	for _, src := range r.Sources {
		if src.IsGit() {
			commit, err := e.Fetcher.FetchGit(ctx, src.Git, cache, src.Ref, src.Depth, src.Submodules)
			if err != nil {
				return nil, err
			}
			fr.commit = commit
			name := strings.TrimSuffix(filepath.Base(strings.TrimSuffix(src.Git, "/")), ".git")
			fr.gits = append(fr.gits, filepath.Join(cache, name))
			fr.records = append(fr.records, state.SourceRecord{File: name})
			continue
		}
		name, digest, err := e.Fetcher.FetchURL(ctx, src.URL, cache, src.SHA256, src.Mirrors)
		if err != nil {
			return nil, err
		}
		fr.records = append(fr.records, state.SourceRecord{File: name, SHA256: digest})
		if src.IsPatch() {
			fr.patches = append(fr.patches, filepath.Join(cache, name))
		} else {
			fr.archives = append(fr.archives, filepath.Join(cache, name))
		}
	}

	if err := e.States.Write("fetch", r.Name, &state.State{
		Package:   r.Name,
		Status:    state.Ok,
		Phase:     "fetch",
		Timestamp: time.Now().UTC(),
		Sources:   fr.records,
		Commit:    fr.commit,
	}); err != nil {
		return nil, err
	}
	return fr, nil
}

// extractSources materializes the workspace: the first archive becomes the
// source tree and further archives land in subdirectories named after them.
// Git checkouts land in subdirectories named after them when an archive
// supplied the tree, and are copied into the source tree itself otherwise.
func (e *Engine) extractSources(ctx context.Context, r *recipe.Recipe, fr *fetchResult, ws fslayout.Workspace) error {
	if err := os.MkdirAll(e.Layout.WorkspaceRoot(r.Name), 0755); err != nil {
		return err
	}

	for i, archive := range fr.archives {
		dest := ws.SrcDir
		if i > 0 {
			dest = filepath.Join(ws.SrcDir, trimArchiveSuffix(filepath.Base(archive)))
		}
		if err := e.Extract.Extract(archive, dest); err != nil {
			return err
		}
	}
	for _, git := range fr.gits {
		dest := ws.SrcDir
		if len(fr.archives) > 0 {
			dest = filepath.Join(ws.SrcDir, filepath.Base(git))
		}
		if err := copyTree(git, dest); err != nil {
			return err
		}
	}

	for _, dir := range []string{ws.SrcDir, ws.BuildDir, ws.DestDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := e.States.Write("extract", r.Name, &state.State{
		Package:   r.Name,
		Status:    state.Ok,
		Phase:     "extract",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return nil
}

func trimArchiveSuffix(fn string) string {
	for _, suffix := range []string{"gz", "lz", "xz", "zst", "bz2", "tar", "tgz", "txz", "zip"} {
		fn = strings.TrimSuffix(fn, "."+suffix)
	}
	return fn
}

// writeEnvFile persists the package's exported environment; every phase
// sources it before running.
func (e *Engine) writeEnvFile(r *recipe.Recipe, ws fslayout.Workspace) (fn string, phaseEnv []string, _ error) {
	std := []string{
		"PKG=" + r.Name,
		"VERSION=" + r.Version,
		"SRCDIR=" + ws.SrcDir,
		"BUILDDIR=" + ws.BuildDir,
		"DESTDIR=" + ws.DestDir,
		"JOBS=" + strconv.Itoa(e.Config.Concurrency),
	}
	all := append(std, r.Environment...)

	var sb strings.Builder
	for _, kv := range all {
		idx := strings.IndexByte(kv, '=')
		if idx == -1 {
			continue
		}
		fmt.Fprintf(&sb, "export %s=%q\n", kv[:idx], kv[idx+1:])
	}
	fn = filepath.Join(e.Layout.WorkspaceRoot(r.Name), ".phase-env")
	if err := renameio.WriteFile(fn, []byte(sb.String()), 0644); err != nil {
		return "", nil, err
	}
	return fn, all, nil
}

// pack archives the destdir and writes the checksum sidecar.
func (e *Engine) pack(r *recipe.Recipe, ws fslayout.Workspace) (*state.Artifact, error) {
	if err := os.MkdirAll(e.Layout.PackagesDir(), 0755); err != nil {
		return nil, err
	}
	dest := e.Layout.PackagePath(r.Name, r.Version, e.Config.ArchiveType)
	digest, err := extract.Create(ws.DestDir, dest, e.Config.ArchiveType)
	if err != nil {
		return nil, err
	}
	sidecar := fmt.Sprintf("%s  %s\n", digest, filepath.Base(dest))
	if err := renameio.WriteFile(dest+".sha256", []byte(sidecar), 0644); err != nil {
		return nil, err
	}
	e.logf("[%s] packaged %s", r.Name, dest)
	return &state.Artifact{Path: dest, SHA256: digest}, nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		default:
			log.Printf("ERROR: unsupported file: %v", path)
			return nil
		}
	})
}
