package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fcanata00/orquestrator/internal/phase"
	"github.com/fcanata00/orquestrator/internal/recipe"
)

// resolveHook decides what a hook value means: a script in the hooks
// directory, a script inside the workspace, or an inline shell command.
func (e *Engine) resolveHook(hook, workDir string) string {
	if hook == "" {
		return ""
	}
	if fn := filepath.Join(e.Layout.HooksDir(), hook); fileExists(fn) {
		return fmt.Sprintf("sh %q", fn)
	}
	if fn := filepath.Join(workDir, hook); fileExists(fn) {
		return fmt.Sprintf("sh %q", fn)
	}
	return hook // inline command
}

func fileExists(fn string) bool {
	fi, err := os.Stat(fn)
	return err == nil && fi.Mode().IsRegular()
}

// hook runs one lifecycle hook. Hooks other than the primary phases are
// non-fatal: a failure warns and the pipeline continues.
func (e *Engine) hook(ctx context.Context, r *recipe.Recipe, name, hook, workDir string, phaseEnv []string) {
	command := e.resolveHook(hook, workDir)
	if command == "" {
		return
	}
	err := e.Runner.Run(ctx, &phase.Request{
		Pkg:     r.Name,
		Phase:   name,
		Command: command,
		Dir:     workDir,
		Env:     phaseEnv,
		Timeout: time.Duration(e.Config.Timeout),
	})
	if err != nil {
		e.logf("[%s] hook %s failed: %v (continuing)", r.Name, name, err)
		e.event(r, "warn", fmt.Sprintf("hook %s failed: %v", name, err))
	}
}
