package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/fcanata00/orquestrator/internal/fslayout"
)

func testExtractor(t *testing.T) (*Extractor, *fslayout.Layout) {
	t.Helper()
	l := &fslayout.Layout{Root: t.TempDir()}
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}
	return &Extractor{Layout: l}, l
}

type member struct {
	name    string
	content string
	dir     bool
}

func writeTarGz(t *testing.T, fn string, members []member) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, m := range members {
		if m.dir {
			if err := tw.WriteHeader(&tar.Header{
				Name:     m.name + "/",
				Typeflag: tar.TypeDir,
				Mode:     0755,
			}); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: m.name,
			Mode: 0644,
			Size: int64(len(m.content)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(m.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fn, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractTarGzStripsSingleTopLevelDir(t *testing.T) {
	e, _ := testExtractor(t)
	archive := filepath.Join(t.TempDir(), "hello-1.0.tar.gz")
	writeTarGz(t, archive, []member{
		{name: "hello-1.0", dir: true},
		{name: "hello-1.0/configure", content: "#!/bin/sh\n"},
		{name: "hello-1.0/src", dir: true},
		{name: "hello-1.0/src/main.c", content: "int main(){}\n"},
	})

	dest := filepath.Join(t.TempDir(), "src")
	if err := e.Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	for _, fn := range []string{"configure", "src/main.c"} {
		if _, err := os.Stat(filepath.Join(dest, fn)); err != nil {
			t.Errorf("%s missing after extraction: %v", fn, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "hello-1.0")); !os.IsNotExist(err) {
		t.Errorf("top-level directory not stripped")
	}
}

func TestExtractTarGzMultipleTopLevel(t *testing.T) {
	e, _ := testExtractor(t)
	archive := filepath.Join(t.TempDir(), "flat.tar.gz")
	writeTarGz(t, archive, []member{
		{name: "a.txt", content: "a"},
		{name: "b.txt", content: "b"},
	})

	dest := filepath.Join(t.TempDir(), "src")
	if err := e.Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	for _, fn := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(dest, fn)); err != nil {
			t.Errorf("%s missing: %v", fn, err)
		}
	}
}

func TestExtractBareGzip(t *testing.T) {
	e, _ := testExtractor(t)
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("just one file\n"))
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "notes.txt.gz")
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "src")
	if err := e.Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dest, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "just one file\n" {
		t.Errorf("bare gzip content = %q", b)
	}
}

func TestExtractZip(t *testing.T) {
	e, _ := testExtractor(t)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("dir/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("zipped"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "a.zip")
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "src")
	if err := e.Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "dir", "file.txt")); err != nil {
		t.Errorf("zip member missing: %v", err)
	}
}

func TestExtractCorruptQuarantines(t *testing.T) {
	e, l := testExtractor(t)
	archive := filepath.Join(t.TempDir(), "corrupt.tar.gz")
	// gzip magic followed by garbage
	if err := os.WriteFile(archive, []byte{0x1f, 0x8b, 0x08, 0x00, 0xba, 0xad}, 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "src")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.Extract(archive, dest); err == nil {
		t.Fatal("Extract accepted corrupt archive")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("failed workspace still exists at original path")
	}
	entries, err := os.ReadDir(l.CorruptedDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("quarantine holds %d entries, want 1", len(entries))
	}
}

func TestCreateAndExtractIntoRoundTrip(t *testing.T) {
	e, _ := testExtractor(t)
	destdir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(destdir, "usr", "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(destdir, "usr", "bin", "x"), []byte("x\n"), 0755); err != nil {
		t.Fatal(err)
	}

	for _, typ := range []string{"tar.xz", "tar.gz", "tar.zst"} {
		t.Run(typ, func(t *testing.T) {
			artifact := filepath.Join(t.TempDir(), "pkg-1."+typ)
			digest, err := Create(destdir, artifact, typ)
			if err != nil {
				t.Fatal(err)
			}
			if len(digest) != 64 {
				t.Errorf("digest %q is not a sha256 hex string", digest)
			}

			root := t.TempDir()
			if err := e.ExtractInto(artifact, root); err != nil {
				t.Fatal(err)
			}
			b, err := os.ReadFile(filepath.Join(root, "usr", "bin", "x"))
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != "x\n" {
				t.Errorf("artifact round trip content = %q", b)
			}
		})
	}
}

func TestApplyPatches(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skipf("patch not installed: %v", err)
	}
	e, _ := testExtractor(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "hello.txt"), []byte("hello world\n"), 0644); err != nil {
		t.Fatal(err)
	}
	const diff = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hello world
+hello patch
`
	patch := filepath.Join(t.TempDir(), "fix.patch")
	if err := os.WriteFile(patch, []byte(diff), 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyPatches(context.Background(), ws, []string{patch}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(ws, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello patch\n" {
		t.Errorf("patched content = %q", b)
	}
}

func TestApplyPatchesRejected(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skipf("patch not installed: %v", err)
	}
	e, _ := testExtractor(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "hello.txt"), []byte("something else\n"), 0644); err != nil {
		t.Fatal(err)
	}
	const diff = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hello world
+hello patch
`
	patch := filepath.Join(t.TempDir(), "fix.patch")
	if err := os.WriteFile(patch, []byte(diff), 0644); err != nil {
		t.Fatal(err)
	}

	err := e.ApplyPatches(context.Background(), ws, []string{patch})
	var pr *PatchRejectedError
	if !errors.As(err, &pr) {
		t.Fatalf("ApplyPatches = %v, want PatchRejectedError", err)
	}
}
