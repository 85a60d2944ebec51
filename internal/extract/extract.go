// Package extract materializes workspaces from cached source artifacts. The
// archive family is detected by content sniffing (magic bytes), with the
// file extension as fallback. On any failure the destination is quarantined
// so that retries see a clean state.
package extract

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/fslayout"
)

// Error reports a failed extraction; the workspace was quarantined.
type Error struct {
	Archive string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Extractor dispatches archives and applies patches.
type Extractor struct {
	Layout *fslayout.Layout
	Log    *log.Logger
}

func (e *Extractor) logf(format string, args ...interface{}) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

type kind int

const (
	kindUnknown kind = iota
	kindTar
	kindGzip
	kindXz
	kindBzip2
	kindZip
	kindZstd
)

var extKinds = map[string]kind{
	".tar": kindTar,
	".gz":  kindGzip,
	".tgz": kindGzip,
	".xz":  kindXz,
	".txz": kindXz,
	".bz2": kindBzip2,
	".zip": kindZip,
	".zst": kindZstd,
	".lzma": kindXz,
}

func sniff(fn string) (kind, error) {
	f, err := os.Open(fn)
	if err != nil {
		return kindUnknown, err
	}
	defer f.Close()
	// 262 bytes suffice for every matcher, including tar's ustar magic at
	// offset 257.
	buf := make([]byte, 262)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return kindUnknown, err
	}
	t, err := filetype.Match(buf[:n])
	if err == nil {
		switch t {
		case matchers.TypeTar:
			return kindTar, nil
		case matchers.TypeGz:
			return kindGzip, nil
		case matchers.TypeXz:
			return kindXz, nil
		case matchers.TypeBz2:
			return kindBzip2, nil
		case matchers.TypeZip:
			return kindZip, nil
		case matchers.TypeZstd:
			return kindZstd, nil
		}
	}
	if k, ok := extKinds[filepath.Ext(fn)]; ok {
		return k, nil // extension fallback
	}
	return kindUnknown, nil
}

// Extract materializes archive into the directory dest. Tar members sharing
// a single top-level directory are stripped of it; a plain single-file gzip
// produces the archive name with .gz stripped.
func (e *Extractor) Extract(archive, dest string) error {
	if err := e.extract(archive, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			if q, qErr := e.Layout.Quarantine(dest); qErr != nil {
				e.logf("quarantine %s: %v", dest, qErr)
			} else {
				e.logf("quarantined failed workspace to %s", q)
			}
		}
		return &Error{Archive: filepath.Base(archive), Err: err}
	}
	return nil
}

func (e *Extractor) extract(archive, dest string) error {
	k, err := sniff(archive)
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	switch k {
	case kindTar:
		return untarInto(tar.NewReader(f), dest)

	case kindGzip:
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return err
		}
		return e.compressed(zr, archive, ".gz", dest)

	case kindXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return err
		}
		return e.compressed(xr, archive, ".xz", dest)

	case kindBzip2:
		return e.compressed(bzip2.NewReader(f), archive, ".bz2", dest)

	case kindZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		return e.compressed(zr, archive, ".zst", dest)

	case kindZip:
		return unzipInto(f, dest)

	default:
		return xerrors.Errorf("unsupported archive type (no magic match, extension %q)", filepath.Ext(archive))
	}
}

// compressed handles a decompressed stream which is either a tar archive or
// a bare single file.
func (e *Extractor) compressed(r io.Reader, archive, ext, dest string) error {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF {
		return err
	}
	if isTarHeader(head) {
		return untarInto(tar.NewReader(br), dest)
	}

	// Bare single-file compression: the output file name is the archive
	// name with the compression suffix stripped.
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(archive), ext)
	out, err := os.Create(filepath.Join(dest, name))
	if err != nil {
		return err
	}
	// bufio.Reader.WriteTo hands off to pgzip's WriteTo, which reports the
	// end of the stream as io.EOF rather than nil.
	if _, err := io.Copy(out, br); err != nil && err != io.EOF {
		out.Close()
		return err
	}
	return out.Close()
}

func isTarHeader(head []byte) bool {
	if len(head) < 262 {
		return false
	}
	return bytes.Equal(head[257:262], []byte("ustar"))
}

func sanitize(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", xerrors.Errorf("archive member %q escapes destination", name)
	}
	return target, nil
}

func untarInto(tr *tar.Reader, dest string) error {
	tmp := dest + ".extract"
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmp)
		}
	}()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		target, err := sanitize(tmp, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0777|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := sanitize(tmp, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
			// pax metadata, nothing to materialize
		default:
			log.Printf("ERROR: unsupported tar member type %q: %v", hdr.Typeflag, hdr.Name)
		}
	}

	// The conventional single top-level directory (zlib-1.3.1/…) is
	// stripped; anything else is taken as-is.
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		if err := os.Rename(filepath.Join(tmp, entries[0].Name()), dest); err != nil {
			return err
		}
		return nil
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func unzipInto(f *os.File, dest string) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	for _, member := range zr.File {
		target, err := sanitize(dest, member.Name)
		if err != nil {
			return err
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		in, err := member.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, member.Mode()&0777)
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return err
		}
		in.Close()
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}
