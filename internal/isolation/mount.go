package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// sessionState is the chroot session's lifecycle:
// idle → mounting → ready → running → unmounting → idle, with failed as an
// absorbing state on I/O errors. failed requires Reset before re-use.
type sessionState int

const (
	stateIdle sessionState = iota
	stateMounting
	stateReady
	stateRunning
	stateUnmounting
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateMounting:
		return "mounting"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateUnmounting:
		return "unmounting"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

type mountEntry struct {
	target string
}

type session struct {
	mu     sync.Mutex
	state  sessionState
	mounts []mountEntry // unwound in reverse order
}

type vfsMount struct {
	source string
	target string // relative to the chroot dir
	fstype string
	flags  uintptr
	data   string
}

// The virtual filesystems a chroot build needs, mounted in order.
var vfsMounts = []vfsMount{
	{source: "/dev", target: "dev", fstype: "", flags: unix.MS_BIND | unix.MS_NOSUID | unix.MS_NODEV},
	{source: "/dev/pts", target: "dev/pts", fstype: "", flags: unix.MS_BIND | unix.MS_NOSUID | unix.MS_NOEXEC},
	{source: "proc", target: "proc", fstype: "proc"},
	{source: "sysfs", target: "sys", fstype: "sysfs"},
	{source: "tmpfs", target: "run", fstype: "tmpfs", data: "mode=0755"},
}

func mountpoint(fn string) bool {
	b, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		parts := strings.Split(line, " ")
		if len(parts) < 5 {
			continue
		}
		if parts[4] == fn {
			return true
		}
	}
	return false
}

// MountAll sets up the virtual filesystems below the chroot dir. The batch
// runs under the global destructive-operation lock; mounts are recorded on
// the session stack for the reverse unwind.
func (m *Manager) MountAll(ctx context.Context) error {
	s := &m.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return xerrors.Errorf("mount: session is %v, want idle", s.state)
	}
	if m.ChrootDir == "" {
		return &UnavailableError{Mode: ModeChroot, Reason: "no chroot dir configured"}
	}

	global, err := m.Locks.AcquireGlobal(ctx)
	if err != nil {
		return err
	}
	defer global.Release()

	s.state = stateMounting
	for _, v := range vfsMounts {
		target := filepath.Join(m.ChrootDir, v.target)
		if mountpoint(target) {
			continue // left over from an interrupted session
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			s.state = stateFailed
			return err
		}
		if err := unix.Mount(v.source, target, v.fstype, v.flags, v.data); err != nil {
			s.state = stateFailed
			return xerrors.Errorf("mount %s → %s: %w", v.source, target, err)
		}
		m.logf("mounted %s", target)
		s.mounts = append(s.mounts, mountEntry{target: target})
	}
	s.state = stateReady
	return nil
}

// UnmountAll unwinds the session's mount stack in strict reverse order of
// successful mounts. Busy mounts fail the unwind unless force is set, which
// falls back to a lazy unmount.
func (m *Manager) UnmountAll(ctx context.Context, force bool) error {
	s := &m.session
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateReady, stateRunning, stateFailed:
	default:
		return xerrors.Errorf("unmount: session is %v", s.state)
	}

	global, err := m.Locks.AcquireGlobal(ctx)
	if err != nil {
		return err
	}
	defer global.Release()

	s.state = stateUnmounting
	for i := len(s.mounts) - 1; i >= 0; i-- {
		target := s.mounts[i].target
		if err := unix.Unmount(target, 0); err != nil {
			if !force {
				s.state = stateFailed
				return xerrors.Errorf("unmount %s: %w (processes holding the mount block unmount; use force)", target, err)
			}
			if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
				s.state = stateFailed
				return xerrors.Errorf("lazy unmount %s: %w", target, err)
			}
			m.logf("lazily unmounted %s", target)
		} else {
			m.logf("unmounted %s", target)
		}
		s.mounts = s.mounts[:i]
	}
	s.state = stateIdle
	return nil
}

// MarkRunning transitions ready → running for the duration of a chroot
// command batch.
func (m *Manager) MarkRunning() error {
	s := &m.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return xerrors.Errorf("session is %v, want ready", s.state)
	}
	s.state = stateRunning
	return nil
}

// MarkReady transitions running → ready after a command batch.
func (m *Manager) MarkReady() error {
	s := &m.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return xerrors.Errorf("session is %v, want running", s.state)
	}
	s.state = stateReady
	return nil
}

// Reset clears a failed session back to idle after explicit cleanup. Stale
// stack entries whose targets are no longer mounted are dropped; anything
// still mounted keeps the session failed.
func (m *Manager) Reset() error {
	s := &m.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateFailed {
		return xerrors.Errorf("reset: session is %v, want failed", s.state)
	}
	var remaining []mountEntry
	for _, e := range s.mounts {
		if mountpoint(e.target) {
			remaining = append(remaining, e)
		}
	}
	s.mounts = remaining
	if len(remaining) > 0 {
		return fmt.Errorf("reset: %d mounts still active", len(remaining))
	}
	s.state = stateIdle
	return nil
}

// State reports the session state (for introspection and tests).
func (m *Manager) State() string {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.session.state.String()
}
