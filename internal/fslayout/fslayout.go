// Package fslayout owns the on-disk directory conventions of the
// orchestrator root. All path construction goes through this package; no
// other component builds absolute paths.
package fslayout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"
)

// Phases with durable per-package state, in pipeline order.
var StatePhases = []string{"fetch", "extract", "build", "install"}

// Workspace is the ephemeral per-package directory triple.
type Workspace struct {
	SrcDir   string // extracted sources
	BuildDir string // out-of-tree build dir (may equal SrcDir)
	DestDir  string // staged install root
}

// Layout materializes the canonical directory tree below Root on demand.
type Layout struct {
	Root string
}

func (l *Layout) SourcesDir(pkg string) string {
	return filepath.Join(l.Root, "sources", pkg)
}

func (l *Layout) CorruptedDir() string {
	return filepath.Join(l.Root, "sources", ".corrupted")
}

func (l *Layout) Workspace(pkg string) Workspace {
	base := filepath.Join(l.Root, "build", pkg)
	return Workspace{
		SrcDir:   filepath.Join(base, "src"),
		BuildDir: filepath.Join(base, "build"),
		DestDir:  filepath.Join(base, "destdir"),
	}
}

func (l *Layout) WorkspaceRoot(pkg string) string {
	return filepath.Join(l.Root, "build", pkg)
}

func (l *Layout) PackagesDir() string {
	return filepath.Join(l.Root, "packages")
}

// PackagePath returns the packaged-artifact path for the given registration
// key, e.g. <root>/packages/zlib-1.3.1.tar.xz.
func (l *Layout) PackagePath(name, version, archiveType string) string {
	return filepath.Join(l.PackagesDir(), name+"-"+version+"."+archiveType)
}

func (l *Layout) StateDir(phase string) string {
	return filepath.Join(l.Root, "state", phase+".d")
}

func (l *Layout) StatePath(phase, pkg string) string {
	return filepath.Join(l.StateDir(phase), pkg+".yml")
}

func (l *Layout) SnapshotPath(phase string) string {
	return filepath.Join(l.Root, "state", phase+".yml")
}

func (l *Layout) LockDir() string {
	return filepath.Join(l.Root, "state", "locks")
}

func (l *Layout) LogDir(pkg string) string {
	return filepath.Join(l.Root, "logs", pkg)
}

func (l *Layout) PhaseLog(pkg, phase string) string {
	return filepath.Join(l.LogDir(pkg), phase+".log")
}

func (l *Layout) OrchestratorLog() string {
	return filepath.Join(l.Root, "logs", "orquestrator.log")
}

func (l *Layout) RecipesDir() string {
	return filepath.Join(l.Root, "recipes")
}

func (l *Layout) HooksDir() string {
	return filepath.Join(l.Root, "hooks")
}

// Ensure creates the directory tree. Safe to call repeatedly.
func (l *Layout) Ensure() error {
	dirs := []string{
		filepath.Join(l.Root, "sources"),
		l.CorruptedDir(),
		filepath.Join(l.Root, "build"),
		l.PackagesDir(),
		l.LockDir(),
		filepath.Join(l.Root, "logs"),
		l.RecipesDir(),
		l.HooksDir(),
	}
	for _, phase := range StatePhases {
		dirs = append(dirs, l.StateDir(phase))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Quarantine moves a partial or corrupted artifact (file or directory) to a
// timestamped name under <sources>/.corrupted/ so that retry attempts see a
// clean state. It returns the quarantine path.
func (l *Layout) Quarantine(path string) (string, error) {
	if err := os.MkdirAll(l.CorruptedDir(), 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(l.CorruptedDir(),
		fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil {
		return "", xerrors.Errorf("quarantine %s: %w", path, err)
	}
	return dest, nil
}
