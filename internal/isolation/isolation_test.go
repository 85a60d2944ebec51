package isolation

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

func TestResolve(t *testing.T) {
	m := &Manager{}

	if got, err := m.Resolve("direct", ""); err != nil || got != ModeDirect {
		t.Errorf("Resolve(direct) = %v, %v", got, err)
	}
	if got, err := m.Resolve("chroot", "direct"); err != nil || got != ModeDirect {
		t.Errorf("Resolve(chroot, override=direct) = %v, %v; override wins", got, err)
	}
	if _, err := m.Resolve("jail", ""); err == nil {
		t.Error("Resolve accepted unknown mode")
	}

	got, err := m.Resolve("auto", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, lookErr := exec.LookPath("fakeroot"); lookErr == nil {
		if got != ModeFakeroot {
			t.Errorf("Resolve(auto) = %v with fakeroot installed, want fakeroot", got)
		}
	} else if got != ModeDirect {
		t.Errorf("Resolve(auto) = %v without fakeroot, want direct", got)
	}
}

func TestWrapDirect(t *testing.T) {
	m := &Manager{}
	cmd, err := m.Wrap(context.Background(), ModeDirect, "true\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd.Args) != 3 || cmd.Args[0] != "bash" || cmd.Args[1] != "-c" {
		t.Errorf("direct command = %v", cmd.Args)
	}
}

func TestWrapChrootUnavailable(t *testing.T) {
	m := &Manager{} // no chroot dir configured
	_, err := m.Wrap(context.Background(), ModeChroot, "true\n")
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("Wrap(chroot) = %v, want UnavailableError", err)
	}
}

func TestSessionStateMachine(t *testing.T) {
	m := &Manager{}
	if got, want := m.State(), "idle"; got != want {
		t.Fatalf("initial state = %q, want %q", got, want)
	}
	// running transitions require a ready session
	if err := m.MarkRunning(); err == nil {
		t.Fatal("MarkRunning succeeded on idle session")
	}
	if err := m.Reset(); err == nil {
		t.Fatal("Reset succeeded on non-failed session")
	}
}
