// Package fetcher acquires source artifacts into the sources cache:
// URL downloads (with mirrors, retry-with-backoff and checksum
// verification) and version-controlled repositories. Partial files are
// always quarantined, never left in the cache.
package fetcher

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/events"
	"github.com/fcanata00/orquestrator/internal/fslayout"
)

// ChecksumMismatchError reports a cached or downloaded artifact whose digest
// does not match the recipe's declaration.
type ChecksumMismatchError struct {
	File string
	Got  string
	Want string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: got %s, want %s", e.File, e.Got, e.Want)
}

// UnsupportedChecksumError reports a declared checksum whose length matches
// no known algorithm. The artifact is refused.
type UnsupportedChecksumError struct {
	Sum string
}

func (e *UnsupportedChecksumError) Error() string {
	return fmt.Sprintf("unverifiable checksum %q (%d chars; want 64+ hex for SHA-256 or 32 for MD5)", e.Sum, len(e.Sum))
}

// AllMirrorsFailedError reports that the primary URL and every mirror
// failed.
type AllMirrorsFailedError struct {
	File string
	Errs []error
}

func (e *AllMirrorsFailedError) Error() string {
	return fmt.Sprintf("all mirrors failed for %s (last: %v)", e.File, e.Errs[len(e.Errs)-1])
}

// Fetcher downloads into the sources cache.
type Fetcher struct {
	Layout   *fslayout.Layout
	Log      *log.Logger
	Recorder events.Recorder

	// Client is used for http(s) URLs. Defaults to a transport with
	// compression disabled: with some web servers, the default compression
	// handling results in an unwanted gunzip step, storing e.g. a .tar.gz
	// as an uncompressed tar file.
	Client *http.Client

	Attempts int           // tries per URL, the first one included; default 3
	Backoff  time.Duration // initial backoff; doubles per attempt; default 5s
}

func (f *Fetcher) attempts() int {
	if f.Attempts > 0 {
		return f.Attempts
	}
	return 3
}

func (f *Fetcher) backoff() time.Duration {
	if f.Backoff > 0 {
		return f.Backoff
	}
	return 5 * time.Second
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	return &http.Client{Transport: t}
}

func (f *Fetcher) logf(format string, args ...interface{}) {
	if f.Log != nil {
		f.Log.Printf(format, args...)
	}
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// newHash infers the checksum algorithm from the declared sum: 64 or more
// hex chars select SHA-256, exactly 32 select MD5. Anything else is
// unverifiable and refused.
func newHash(sum string) (hash.Hash, error) {
	switch {
	case len(sum) >= 64 && isHex(sum):
		return sha256.New(), nil
	case len(sum) == 32 && isHex(sum):
		return md5.New(), nil
	default:
		return nil, &UnsupportedChecksumError{Sum: sum}
	}
}

func digestFile(fn, sum string) (string, error) {
	h, err := newHash(sum)
	if err != nil {
		return "", err
	}
	fd, err := os.Open(fn)
	if err != nil {
		return "", err
	}
	defer fd.Close()
	if _, err := io.Copy(h, fd); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// FetchURL ensures the artifact behind rawurl is present and verified in
// destDir, falling back to mirrors in order. It returns the cached file name
// and, when a checksum was declared, the verified digest.
func (f *Fetcher) FetchURL(ctx context.Context, rawurl, destDir, sum string, mirrors []string) (filename, digest string, _ error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", xerrors.Errorf("url.Parse: %v", err)
	}
	filename = path.Base(u.Path)
	if filename == "." || filename == "/" {
		return "", "", xerrors.Errorf("cannot derive file name from %s", rawurl)
	}
	dest := filepath.Join(destDir, filename)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", "", err
	}

	if _, err := os.Stat(dest); err == nil {
		if sum == "" {
			return filename, "", nil // presence counts as success
		}
		got, err := digestFile(dest, sum)
		if err != nil {
			return "", "", err
		}
		if strings.EqualFold(got, sum) {
			return filename, got, nil
		}
		f.logf("cached %s has digest %s, want %s; redownloading", filename, got, sum)
		if _, err := f.Layout.Quarantine(dest); err != nil {
			return "", "", err
		}
	} else if !os.IsNotExist(err) {
		return "", "", err
	}

	var errs []error
	for _, attempt := range append([]string{rawurl}, mirrors...) {
		got, err := f.fetch1(ctx, attempt, dest, sum)
		if err != nil {
			f.logf("fetch %s: %v", attempt, err)
			errs = append(errs, err)
			continue
		}
		f.event("info", fmt.Sprintf("fetched %s", filename))
		return filename, got, nil
	}
	if len(errs) == 1 {
		// A single unverifiable checksum should surface as such, not hide
		// behind the mirror wrapper.
		var uc *UnsupportedChecksumError
		if xerrors.As(errs[0], &uc) {
			return "", "", errs[0]
		}
	}
	return "", "", &AllMirrorsFailedError{File: filename, Errs: errs}
}

func (f *Fetcher) event(level, msg string) {
	if f.Recorder != nil {
		f.Recorder.Event(events.Event{Level: level, Message: msg, Timestamp: time.Now()})
	}
}

// fetch1 downloads one URL (with per-URL retries) into dest, verifying sum
// if declared. The download streams through <dest>.partial; a failed
// download never leaves anything at dest.
func (f *Fetcher) fetch1(ctx context.Context, rawurl, dest, sum string) (digest string, _ error) {
	var lastErr error
	backoff := f.backoff()
	for attempt := 0; attempt < f.attempts(); attempt++ {
		if attempt > 0 {
			f.logf("retrying %s in %v", rawurl, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
		digest, err := f.download(ctx, rawurl, dest, sum)
		if err == nil {
			return digest, nil
		}
		lastErr = err
		var cm *ChecksumMismatchError
		var uc *UnsupportedChecksumError
		if xerrors.As(err, &cm) || xerrors.As(err, &uc) {
			return "", err // retrying the same bytes cannot help
		}
	}
	return "", lastErr
}

func (f *Fetcher) download(ctx context.Context, rawurl, dest, sum string) (digest string, _ error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", xerrors.Errorf("url.Parse: %v", err)
	}

	var in io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, "GET", rawurl, nil)
		if err != nil {
			return "", err
		}
		f.logf("downloading %s to %s", rawurl, dest)
		resp, err := f.client().Do(req)
		if err != nil {
			return "", err
		}
		if got, want := resp.StatusCode, http.StatusOK; got != want {
			resp.Body.Close()
			return "", xerrors.Errorf("unexpected HTTP status: got %d (%v), want %d", got, resp.Status, want)
		}
		in = resp.Body
	case "file", "":
		fd, err := os.Open(u.Path)
		if err != nil {
			return "", err
		}
		in = fd
	default:
		return "", xerrors.Errorf("unimplemented URL scheme %q", u.Scheme)
	}
	defer in.Close()

	var h hash.Hash
	if sum != "" {
		if h, err = newHash(sum); err != nil {
			return "", err
		}
	}

	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return "", err
	}
	w := io.Writer(out)
	if h != nil {
		w = io.MultiWriter(out, h)
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		f.quarantinePartial(partial)
		return "", err
	}
	if err := out.Close(); err != nil {
		f.quarantinePartial(partial)
		return "", err
	}

	if h != nil {
		digest = fmt.Sprintf("%x", h.Sum(nil))
		if !strings.EqualFold(digest, sum) {
			f.quarantinePartial(partial)
			return "", &ChecksumMismatchError{File: filepath.Base(dest), Got: digest, Want: sum}
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		f.quarantinePartial(partial)
		return "", err
	}
	return digest, nil
}

func (f *Fetcher) quarantinePartial(partial string) {
	if _, err := os.Stat(partial); err != nil {
		return
	}
	if _, err := f.Layout.Quarantine(partial); err != nil {
		f.logf("quarantine %s: %v", partial, err)
	}
}
