package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// GitFetchError reports a failed repository acquisition or update.
type GitFetchError struct {
	Repo string
	Err  error
}

func (e *GitFetchError) Error() string {
	return fmt.Sprintf("git fetch %s: %v", e.Repo, e.Err)
}

func (e *GitFetchError) Unwrap() error { return e.Err }

func repoDirName(repo string) string {
	name := path.Base(strings.TrimSuffix(repo, "/"))
	return strings.TrimSuffix(name, ".git")
}

func (f *Fetcher) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", xerrors.Errorf("%v: %v\n%s", cmd.Args, err, buf.String())
	}
	return strings.TrimSpace(buf.String()), nil
}

// FetchGit clones or updates repo below destDir and returns the checked-out
// short commit id. Existing checkouts get their refs updated (with prune)
// and are fast-forwarded; fresh clones are shallow when depth > 0.
func (f *Fetcher) FetchGit(ctx context.Context, repo, destDir, ref string, depth int, submodules bool) (commit string, _ error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, repoDirName(repo))

	fail := func(err error) (string, error) {
		return "", &GitFetchError{Repo: repo, Err: err}
	}

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		f.logf("updating %s", dest)
		if _, err := f.git(ctx, dest, "fetch", "--prune", "--tags", "origin"); err != nil {
			return fail(err)
		}
		if ref != "" {
			if _, err := f.git(ctx, dest, "checkout", ref); err != nil {
				// The ref may be new since the clone; create it via fetch.
				if _, err := f.git(ctx, dest, "fetch", "origin", ref+":"+ref); err != nil {
					return fail(err)
				}
				if _, err := f.git(ctx, dest, "checkout", ref); err != nil {
					return fail(err)
				}
			}
		}
		// Fast-forward a tracking branch; a detached HEAD (tag or commit
		// ref) has nothing to merge.
		if _, err := f.git(ctx, dest, "symbolic-ref", "-q", "HEAD"); err == nil {
			if _, err := f.git(ctx, dest, "merge", "--ff-only", "@{u}"); err != nil {
				f.logf("fast-forward %s: %v", dest, err)
			}
		}
	} else {
		args := []string{"clone"}
		if depth > 0 {
			args = append(args, "--depth", strconv.Itoa(depth))
			if ref != "" {
				args = append(args, "--branch", ref)
			}
		}
		args = append(args, repo, dest)
		f.logf("cloning %s", repo)
		if _, err := f.git(ctx, destDir, args...); err != nil {
			return fail(err)
		}
		if ref != "" {
			if _, err := f.git(ctx, dest, "checkout", ref); err != nil {
				return fail(err)
			}
		}
	}

	if submodules {
		if _, err := f.git(ctx, dest, "submodule", "update", "--init", "--recursive"); err != nil {
			return fail(err)
		}
	}

	commit, err := f.git(ctx, dest, "rev-parse", "--short", "HEAD")
	if err != nil {
		return fail(err)
	}
	return commit, nil
}
