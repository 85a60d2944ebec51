// Package isolation selects and sets up the execution mode for build
// phases: a plain subprocess, a fakeroot-wrapped subprocess, or a chroot
// into a prepared target root with the virtual filesystems mounted. It
// degrades gracefully when the host lacks tools or privilege, except where
// a recipe explicitly requires chroot.
package isolation

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/lockfile"
)

// Mode is one of the recipe-selectable execution modes.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeDirect   Mode = "direct"
	ModeFakeroot Mode = "fakeroot"
	ModeChroot   Mode = "chroot"
)

// UnavailableError reports a recipe which explicitly requires an isolation
// mode the host cannot provide.
type UnavailableError struct {
	Mode   Mode
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("isolation mode %s unavailable: %s", e.Mode, e.Reason)
}

// Manager prepares commands for the selected mode and owns the chroot
// session's mount stack.
type Manager struct {
	Log *log.Logger

	// ChrootDir is the prepared target root for chroot mode; empty
	// disables chroot.
	ChrootDir string

	// Locks guards mount/unmount batches with the global destructive lock.
	Locks *lockfile.Registry

	session session
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Printf(format, args...)
	}
}

// Resolve picks the effective mode: the recipe's wish, overridden by
// override unless override is empty or auto, with auto selecting fakeroot
// when available and direct otherwise.
func (m *Manager) Resolve(recipeMode, override string) (Mode, error) {
	mode := Mode(recipeMode)
	if override != "" && override != "auto" {
		mode = Mode(override)
	}
	if mode == "" || mode == ModeAuto {
		if _, err := exec.LookPath("fakeroot"); err == nil {
			return ModeFakeroot, nil
		}
		return ModeDirect, nil
	}
	switch mode {
	case ModeDirect, ModeFakeroot, ModeChroot:
		return mode, nil
	default:
		return "", xerrors.Errorf("unknown isolation mode %q", mode)
	}
}

// Wrap turns a strict-mode shell script into the command to execute under
// mode. For fakeroot without the tool installed, it falls back to direct
// with a warning; chroot has no fallback.
func (m *Manager) Wrap(ctx context.Context, mode Mode, script string) (*exec.Cmd, error) {
	switch mode {
	case ModeDirect:
		return exec.Command("bash", "-c", script), nil

	case ModeFakeroot:
		fakeroot, err := exec.LookPath("fakeroot")
		if err != nil {
			m.logf("fakeroot not installed, falling back to direct execution")
			return exec.Command("bash", "-c", script), nil
		}
		return exec.Command(fakeroot, "bash", "-c", script), nil

	case ModeChroot:
		return m.wrapChroot(ctx, script)

	default:
		return nil, xerrors.Errorf("unknown isolation mode %q", mode)
	}
}

func (m *Manager) wrapChroot(ctx context.Context, script string) (*exec.Cmd, error) {
	if m.ChrootDir == "" {
		return nil, &UnavailableError{Mode: ModeChroot, Reason: "no chroot dir configured"}
	}
	if _, err := os.Stat(m.ChrootDir); err != nil {
		return nil, &UnavailableError{Mode: ModeChroot, Reason: fmt.Sprintf("chroot dir: %v", err)}
	}
	if os.Geteuid() != 0 {
		return nil, &UnavailableError{Mode: ModeChroot, Reason: "chroot requires root privileges"}
	}

	// The wrapper script lives inside the target so that chroot can see it.
	tmpDir := filepath.Join(m.ChrootDir, "tmp")
	if err := os.MkdirAll(tmpDir, 01777); err != nil {
		return nil, err
	}
	wrapper, err := os.CreateTemp(tmpDir, "phase-*.sh")
	if err != nil {
		return nil, err
	}
	if _, err := wrapper.WriteString(script); err != nil {
		wrapper.Close()
		return nil, err
	}
	if err := wrapper.Chmod(0755); err != nil {
		wrapper.Close()
		return nil, err
	}
	if err := wrapper.Close(); err != nil {
		return nil, err
	}
	inside := "/tmp/" + filepath.Base(wrapper.Name())

	// Wrap in new mount/PID namespaces when the host has unshare; plain
	// chroot otherwise.
	var cmd *exec.Cmd
	if unshare, err := exec.LookPath("unshare"); err == nil {
		cmd = exec.CommandContext(ctx, unshare, "-m", "-p", "-f", "chroot", m.ChrootDir, "/bin/sh", inside)
	} else {
		cmd = exec.CommandContext(ctx, "chroot", m.ChrootDir, "/bin/sh", inside)
	}
	// A clean environment: only HOME, TERM, PS1, PATH survive into the
	// chroot.
	cmd.Env = []string{
		"HOME=" + os.Getenv("HOME"),
		"TERM=" + os.Getenv("TERM"),
		"PS1=(orq chroot) \\u:\\w\\$ ",
		"PATH=/usr/bin:/usr/sbin:/bin:/sbin",
	}
	return cmd, nil
}
