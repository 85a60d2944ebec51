package fetcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fcanata00/orquestrator/internal/fslayout"
)

func gitFixture(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skipf("git not installed: %v", err)
	}
	repo := filepath.Join(t.TempDir(), "upstream")
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.org",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.org",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatal(err)
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "file.txt"), []byte("upstream\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "file.txt")
	run("commit", "-m", "initial")
	return repo
}

func TestFetchGitCloneAndUpdate(t *testing.T) {
	repo := gitFixture(t)
	l := &fslayout.Layout{Root: t.TempDir()}
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}
	f := &Fetcher{Layout: l, Backoff: time.Millisecond}

	commit, err := f.FetchGit(context.Background(), repo, l.SourcesDir("up"), "", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if commit == "" {
		t.Fatal("no commit id recorded")
	}
	if _, err := os.Stat(filepath.Join(l.SourcesDir("up"), "upstream", "file.txt")); err != nil {
		t.Fatalf("clone missing file: %v", err)
	}

	// Second fetch goes down the update path.
	commit2, err := f.FetchGit(context.Background(), repo, l.SourcesDir("up"), "", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if commit2 != commit {
		t.Errorf("update changed commit: %s → %s", commit, commit2)
	}
}
