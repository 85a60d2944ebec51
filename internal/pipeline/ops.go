package pipeline

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/fcanata00/orquestrator/internal/recipe"
	"github.com/fcanata00/orquestrator/internal/state"
)

// Fetch acquires r's sources into the cache without building, under the
// fetch-phase lock. With update set, cached artifacts are discarded first
// so that changed upstreams are picked up.
func (e *Engine) Fetch(ctx context.Context, r *recipe.Recipe, update bool) Outcome {
	lock, busy, err := e.Locks.TryAcquire("fetch", r.Name)
	if err != nil {
		return Outcome{Status: state.Failed, Reason: "lock_error"}
	}
	if busy {
		return Outcome{Status: state.Skipped, Reason: "locked"}
	}
	defer lock.Release()

	if len(r.Sources) == 0 {
		return Outcome{Status: state.Skipped, Reason: "no-sources-found"}
	}

	if update {
		cache := e.Layout.SourcesDir(r.Name)
		for _, src := range r.Sources {
			if src.IsGit() {
				continue // the git path updates refs in place
			}
			os.Remove(filepath.Join(cache, path.Base(src.URL)))
		}
	}

	if _, err := e.fetchSources(ctx, r); err != nil {
		e.logf("[%s] fetch: %v", r.Name, err)
		kind := reason(err, "fetch_failed")
		if werr := e.States.Write("fetch", r.Name, &state.State{
			Package: r.Name,
			Status:  state.Failed,
			Phase:   "fetch",
			Reason:  kind,
		}); werr != nil {
			e.logf("[%s] writing state: %v", r.Name, werr)
		}
		return Outcome{Status: state.Failed, Reason: kind}
	}
	return Outcome{Status: state.Ok}
}

// ExtractOnly fetches (from cache where possible) and materializes the
// workspace without building, under the extract-phase lock.
func (e *Engine) ExtractOnly(ctx context.Context, r *recipe.Recipe) Outcome {
	lock, busy, err := e.Locks.TryAcquire("extract", r.Name)
	if err != nil {
		return Outcome{Status: state.Failed, Reason: "lock_error"}
	}
	if busy {
		return Outcome{Status: state.Skipped, Reason: "locked"}
	}
	defer lock.Release()

	if len(r.Sources) == 0 {
		return Outcome{Status: state.Skipped, Reason: "no-sources-found"}
	}

	fail := func(phaseName string, err error) Outcome {
		e.logf("[%s] %s: %v", r.Name, phaseName, err)
		kind := reason(err, phaseName+"_failed")
		if werr := e.States.Write("extract", r.Name, &state.State{
			Package: r.Name,
			Status:  state.Failed,
			Phase:   phaseName,
			Reason:  kind,
		}); werr != nil {
			e.logf("[%s] writing state: %v", r.Name, werr)
		}
		return Outcome{Status: state.Failed, Reason: kind}
	}

	fr, err := e.fetchSources(ctx, r)
	if err != nil {
		return fail("fetch", err)
	}

	ws := e.Layout.Workspace(r.Name)
	if err := os.RemoveAll(e.Layout.WorkspaceRoot(r.Name)); err != nil {
		return fail("extract", err)
	}
	e.hook(ctx, r, "pre_extract", r.Hooks.PreExtract, e.Layout.SourcesDir(r.Name), nil)
	if err := e.extractSources(ctx, r, fr, ws); err != nil {
		return fail("extract", err)
	}
	e.hook(ctx, r, "post_extract", r.Hooks.PostExtract, ws.SrcDir, nil)

	if err := e.Extract.ApplyPatches(ctx, ws.SrcDir, fr.patches); err != nil {
		return fail("patch", err)
	}
	e.hook(ctx, r, "post_patch", r.Hooks.PostPatch, ws.SrcDir, nil)

	return Outcome{Status: state.Ok}
}
