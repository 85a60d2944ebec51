// Package install applies a built package's artifact tarball into a target
// root, with a pre-image backup taken first and restored on any failure.
// Installers of different packages may run concurrently into the same root;
// the per-package install lock serializes the rest.
package install

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fcanata00/orquestrator/internal/events"
	"github.com/fcanata00/orquestrator/internal/extract"
	"github.com/fcanata00/orquestrator/internal/fslayout"
	"github.com/fcanata00/orquestrator/internal/lockfile"
	"github.com/fcanata00/orquestrator/internal/state"
)

const backupDir = ".backup"

// Result is the terminal outcome of one install.
type Result struct {
	Status state.Status
	Reason string
}

// VerificationError reports a failed post-install integrity check; the
// target root was rolled back.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("install verification failed: %s", e.Reason)
}

// Ctx is an install context, containing configuration and state.
type Ctx struct {
	Layout   *fslayout.Layout
	States   *state.Store
	Locks    *lockfile.Registry
	Extract  *extract.Extractor
	Log      *log.Logger
	Recorder events.Recorder

	DryRun     bool
	VerifyOnly bool
	Force      bool // reinstall even when recorded ok

	// Verify is the host-defined integrity predicate, run after
	// extraction. The default confirms files exist under the target root
	// with mtimes no older than the install start.
	Verify func(root string, start time.Time) error
}

func (c *Ctx) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
}

func (c *Ctx) verify(root string, start time.Time) error {
	if c.Verify != nil {
		return c.Verify(root, start)
	}
	return recentFiles(root, start)
}

func recentFiles(root string, start time.Time) error {
	found := false
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == backupDir {
			return filepath.SkipDir
		}
		if info.Mode().IsRegular() && !info.ModTime().Before(start.Truncate(time.Second)) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return &VerificationError{Reason: "no new files under target root"}
	}
	return nil
}

// Install applies artifact for pkg into root.
func (c *Ctx) Install(pkg, artifact, root string) (Result, error) {
	lock, busy, err := c.Locks.TryAcquire("install", pkg)
	if err != nil {
		return Result{Status: state.Failed, Reason: "lock_error"}, err
	}
	if busy {
		c.logf("[%s] another installer is active, skipping", pkg)
		return Result{Status: state.Skipped, Reason: "locked"}, nil
	}
	defer lock.Release()

	if !c.Force {
		if st, err := c.States.Read("install", pkg); err != nil {
			return Result{Status: state.Failed, Reason: "state_error"}, err
		} else if st != nil && st.Status == state.Ok {
			c.logf("[%s] already installed, skipping", pkg)
			return Result{Status: state.Ok, Reason: "already-installed"}, nil
		}
	}

	if _, err := os.Stat(artifact); err != nil {
		return c.fail(pkg, "artifact_missing", err)
	}

	start := time.Now()

	if c.VerifyOnly {
		if err := c.verify(root, time.Time{}); err != nil {
			return Result{Status: state.Failed, Reason: "verification_failed"}, err
		}
		return Result{Status: state.Ok, Reason: "verified"}, nil
	}

	if c.DryRun {
		c.logf("[%s] dry run: would back up %s and extract %s", pkg, root, artifact)
		return Result{Status: state.Ok, Reason: "dry-run"}, nil
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return c.fail(pkg, "install_failed", err)
	}

	c.event(pkg, "info", fmt.Sprintf("installing %s into %s", filepath.Base(artifact), root))

	backup := filepath.Join(root, backupDir, fmt.Sprintf("%s-%d", pkg, start.Unix()))
	if err := snapshot(root, backup); err != nil {
		return c.fail(pkg, "backup_failed", err)
	}

	if err := c.Extract.ExtractInto(artifact, root); err != nil {
		c.logf("[%s] extraction failed, restoring pre-image: %v", pkg, err)
		if rerr := restore(backup, root); rerr != nil {
			c.logf("[%s] restore failed: %v", pkg, rerr)
		}
		return c.fail(pkg, "install_failed", err)
	}

	if err := c.verify(root, start); err != nil {
		c.logf("[%s] verification failed, restoring pre-image: %v", pkg, err)
		if rerr := restore(backup, root); rerr != nil {
			c.logf("[%s] restore failed: %v", pkg, rerr)
		}
		return c.fail(pkg, "verification_failed", err)
	}

	if err := c.States.Write("install", pkg, &state.State{
		Package:   pkg,
		Status:    state.Ok,
		Phase:     "install",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return Result{Status: state.Failed, Reason: "state_error"}, err
	}
	c.event(pkg, "info", "installed")
	return Result{Status: state.Ok}, nil
}

func (c *Ctx) fail(pkg, reason string, err error) (Result, error) {
	c.event(pkg, "error", fmt.Sprintf("install failed: %v", err))
	if werr := c.States.Write("install", pkg, &state.State{
		Package:   pkg,
		Status:    state.Failed,
		Phase:     "install",
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); werr != nil {
		c.logf("[%s] writing state: %v", pkg, werr)
	}
	return Result{Status: state.Failed, Reason: reason}, err
}

func (c *Ctx) event(pkg, level, msg string) {
	if c.Recorder != nil {
		c.Recorder.Event(events.Event{JobID: pkg, Level: level, Message: msg, Timestamp: time.Now()})
	}
}

// snapshot takes a directory-level pre-image copy of root into dest,
// excluding earlier backups.
func snapshot(root, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && (rel == backupDir || strings.HasPrefix(rel, backupDir+string(os.PathSeparator))) {
			return filepath.SkipDir
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
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

// restore copies the pre-image snapshot back over root. Files created
// since the snapshot but outside it survive; everything captured is
// reverted.
func restore(backup, root string) error {
	return filepath.Walk(backup, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(backup, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(root, rel)
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
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
