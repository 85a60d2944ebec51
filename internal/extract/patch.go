package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/xerrors"
)

// PatchRejectedError reports a patch whose dry-run failed at every strip
// level. The package fails and its workspace is quarantined.
type PatchRejectedError struct {
	Patch string
	Err   error
}

func (e *PatchRejectedError) Error() string {
	return fmt.Sprintf("patch %s rejected: %v", e.Patch, e.Err)
}

func (e *PatchRejectedError) Unwrap() error { return e.Err }

func runPatch(ctx context.Context, dir, patch string, strip int, dryRun bool) error {
	args := []string{fmt.Sprintf("-p%d", strip), "--batch"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	f, err := os.Open(patch)
	if err != nil {
		return err
	}
	defer f.Close()
	cmd := exec.CommandContext(ctx, "patch", args...)
	cmd.Dir = dir
	cmd.Stdin = f
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %v\n%s", cmd.Args, err, buf.String())
	}
	return nil
}

// ApplyPatches applies patches (absolute paths into the sources cache) to
// the workspace in the order given, which is the recipes' sources order.
// Each patch is dry-run first at strip level 1, then at 0; whichever level
// passes is applied. A patch passing neither rejects the package.
func (e *Extractor) ApplyPatches(ctx context.Context, workspace string, patches []string) error {
	for _, patch := range patches {
		applied := false
		var firstErr error
		for _, strip := range []int{1, 0} {
			if err := runPatch(ctx, workspace, patch, strip, true); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := runPatch(ctx, workspace, patch, strip, false); err != nil {
				return &PatchRejectedError{Patch: filepath.Base(patch), Err: err}
			}
			e.logf("applied %s (-p%d)", filepath.Base(patch), strip)
			applied = true
			break
		}
		if !applied {
			return &PatchRejectedError{Patch: filepath.Base(patch), Err: firstErr}
		}
	}
	return nil
}
