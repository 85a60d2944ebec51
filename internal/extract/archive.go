package extract

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/xerrors"
)

// Create packages the contents of dir into a compressed tar archive at
// dest. archiveType is one of tar.xz, tar.gz, tar.zst. The archive is
// written atomically; the returned digest is the SHA-256 of the final
// bytes.
func Create(dir, dest, archiveType string) (digest string, _ error) {
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return "", err
	}
	defer f.Cleanup()

	h := sha256.New()
	out := io.MultiWriter(f, h)

	var (
		cw    io.Writer
		finish func() error
	)
	switch archiveType {
	case "tar.xz":
		xw, err := xz.NewWriter(out)
		if err != nil {
			return "", err
		}
		cw, finish = xw, xw.Close
	case "tar.gz":
		gw := pgzip.NewWriter(out)
		cw, finish = gw, gw.Close
	case "tar.zst":
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return "", err
		}
		cw, finish = zw, zw.Close
	default:
		return "", xerrors.Errorf("unknown archive type %q", archiveType)
	}

	tw := tar.NewWriter(cw)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if _, err := io.Copy(tw, in); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := finish(); err != nil {
		return "", err
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ExtractInto unpacks archive directly into root, preserving the member
// paths as-is (no top-level directory stripping, no quarantine). The
// installer uses this to apply packaged artifacts to a target root.
func (e *Extractor) ExtractInto(archive, root string) error {
	k, err := sniff(archive)
	if err != nil {
		return err
	}
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader
	switch k {
	case kindTar:
		r = f
	case kindGzip:
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return err
		}
		r = zr
	case kindXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return err
		}
		r = xr
	case kindZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	default:
		return xerrors.Errorf("unsupported artifact archive %s", filepath.Base(archive))
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := sanitize(root, hdr.Name)
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
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}
