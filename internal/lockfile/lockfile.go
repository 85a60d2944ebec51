// Package lockfile grants exclusive, advisory, inter-process locks keyed by
// (phase, package), plus a single global lock for destructive fleet-wide
// operations. Locks are flock(2)-based: advisory (cooperating processes
// only), non-reentrant and held for the lifetime of the acquiring process
// unless released explicitly.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const globalName = "global.lock"

// Registry hands out locks below Dir.
type Registry struct {
	Dir string
}

// Handle represents a held lock. Release it exactly once.
type Handle struct {
	f    *os.File
	path string
}

func (r *Registry) path(phase, pkg string) string {
	return filepath.Join(r.Dir, phase+"-"+pkg+".lock")
}

func (r *Registry) open(path string) (*os.File, error) {
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
}

func hint(f *os.File) {
	// pid and timestamp are a debugging hint only; flock state is
	// authoritative.
	f.Truncate(0)
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}

// TryAcquire attempts to take the (phase, pkg) lock without blocking. busy
// reports that another process holds it; busy is not an error.
func (r *Registry) TryAcquire(phase, pkg string) (h *Handle, busy bool, _ error) {
	path := r.path(phase, pkg)
	f, err := r.open(path)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, true, nil
		}
		return nil, false, xerrors.Errorf("flock %s: %w", path, err)
	}
	hint(f)
	return &Handle{f: f, path: path}, false, nil
}

// Acquire blocks until the (phase, pkg) lock is held or ctx is canceled.
func (r *Registry) Acquire(ctx context.Context, phase, pkg string) (*Handle, error) {
	return r.acquire(ctx, r.path(phase, pkg))
}

// AcquireGlobal blocks until the fleet-wide destructive-operation lock is
// held. Used e.g. around virtual-filesystem mount/unmount batches and cache
// scrubs.
func (r *Registry) AcquireGlobal(ctx context.Context) (*Handle, error) {
	return r.acquire(ctx, filepath.Join(r.Dir, globalName))
}

func (r *Registry) acquire(ctx context.Context, path string) (*Handle, error) {
	f, err := r.open(path)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()
	select {
	case err := <-done:
		if err != nil {
			f.Close()
			return nil, xerrors.Errorf("flock %s: %w", path, err)
		}
		hint(f)
		return &Handle{f: f, path: path}, nil
	case <-ctx.Done():
		// The blocked flock holds only an open fd; closing it aborts the
		// wait.
		f.Close()
		return nil, ctx.Err()
	}
}

// Release drops the lock and removes the advisory lock file. Removal is
// best-effort: flock state on the open descriptor is what arbitrates, the
// file only carries the pid/timestamp hint.
func (h *Handle) Release() error {
	h.f.Truncate(0)
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN); err != nil {
		h.f.Close()
		return err
	}
	os.Remove(h.path)
	return h.f.Close()
}
