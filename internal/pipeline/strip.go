package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/fcanata00/orquestrator/internal/recipe"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func isELF(fn string) bool {
	f, err := os.Open(fn)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, elfMagic)
}

// stripDestdir walks the destdir and strips unneeded symbols from every ELF
// file. Individual strip failures (e.g. static archives with odd members)
// only warn.
func (e *Engine) stripDestdir(ctx context.Context, r *recipe.Recipe, destdir string) error {
	strip, err := exec.LookPath("strip")
	if err != nil {
		return xerrors.Errorf("strip not installed: %v", err)
	}
	return filepath.Walk(destdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || !isELF(path) {
			return nil
		}
		cmd := exec.CommandContext(ctx, strip, "--strip-unneeded", path)
		var buf bytes.Buffer
		cmd.Stderr = &buf
		if err := cmd.Run(); err != nil {
			e.logf("[%s] strip %s: %v: %s", r.Name, path, err, buf.String())
		}
		return nil
	})
}
