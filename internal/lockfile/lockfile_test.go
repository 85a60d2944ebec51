package lockfile

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestTryAcquireBusy(t *testing.T) {
	r := &Registry{Dir: t.TempDir()}

	h1, busy, err := r.TryAcquire("build", "zlib")
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("first TryAcquire reported busy")
	}

	// flock is per open file description, so a second acquisition attempt
	// from the same process observes the held lock.
	if _, busy, err := r.TryAcquire("build", "zlib"); err != nil {
		t.Fatal(err)
	} else if !busy {
		t.Fatal("second TryAcquire did not report busy")
	}

	// A different key is independent.
	h2, busy, err := r.TryAcquire("install", "zlib")
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("TryAcquire(install, zlib) reported busy")
	}
	h2.Release()

	if err := h1.Release(); err != nil {
		t.Fatal(err)
	}

	h3, busy, err := r.TryAcquire("build", "zlib")
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("TryAcquire after Release reported busy")
	}
	h3.Release()
}

func TestAcquireBlocks(t *testing.T) {
	r := &Registry{Dir: t.TempDir()}

	h, busy, err := r.TryAcquire("build", "gcc")
	if err != nil || busy {
		t.Fatalf("TryAcquire: busy=%v err=%v", busy, err)
	}

	acquired := make(chan *Handle)
	go func() {
		h2, err := r.Acquire(context.Background(), "build", "gcc")
		if err != nil {
			t.Error(err)
		}
		acquired <- h2
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.Release(); err != nil {
		t.Fatal(err)
	}

	select {
	case h2 := <-acquired:
		h2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after Release")
	}
}

func TestAcquireCanceled(t *testing.T) {
	r := &Registry{Dir: t.TempDir()}

	h, busy, err := r.TryAcquire("build", "bash")
	if err != nil || busy {
		t.Fatalf("TryAcquire: busy=%v err=%v", busy, err)
	}
	defer h.Release()

	ctx, canc := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer canc()
	if _, err := r.Acquire(ctx, "build", "bash"); err == nil {
		t.Fatal("Acquire succeeded despite held lock and canceled context")
	}
}

func TestLockFileHint(t *testing.T) {
	r := &Registry{Dir: t.TempDir()}
	h, _, err := r.TryAcquire("build", "zlib")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	b, err := os.ReadFile(h.path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("lock file carries no pid/timestamp hint")
	}
}
