package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeRecipes(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, doc := range docs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadSingle(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"zlib.yml": `
name: zlib
version: "1.3.1"
sources:
  - url: https://zlib.net/zlib-1.3.1.tar.gz
    sha256: 9a93b2b7dfdac77ceba5a558a580e74667dd6fede4585b91eefb60f03b72df23
    mirrors: [https://mirror.example/zlib-1.3.1.tar.gz]
build:
  configure: ./configure --prefix=/usr
  make: make
  install: make DESTDIR=$DESTDIR install
environment:
  - CFLAGS=-O2
strip: true
unknown_field: ignored
`,
	})
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.Find("zlib")
	if err != nil {
		t.Fatal(err)
	}
	want := &Recipe{
		Name:    "zlib",
		Version: "1.3.1",
		Sources: []Source{{
			URL:     "https://zlib.net/zlib-1.3.1.tar.gz",
			SHA256:  "9a93b2b7dfdac77ceba5a558a580e74667dd6fede4585b91eefb60f03b72df23",
			Mirrors: []string{"https://mirror.example/zlib-1.3.1.tar.gz"},
		}},
		Build: Build{
			Configure: "./configure --prefix=/usr",
			Make:      "make",
			Install:   "make DESTDIR=$DESTDIR install",
		},
		Environment: []string{"CFLAGS=-O2"},
		Strip:       boolPtr(true),
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("recipe diff (-want +got):\n%s", diff)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestLoadMultiDocumentAndSequence(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"core.yml": `
name: a
version: "1"
---
name: b
version: "1"
depends: [a]
`,
		"extra.yml": `
- name: c
  version: "2"
- name: d
  version: "2"
  depends: [c, a]
`,
	})
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, r := range s.All() {
		names = append(names, r.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, names); diff != "" {
		t.Fatalf("All() diff (-want +got):\n%s", diff)
	}
}

func TestLegacyStringSource(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"a.yml": `
name: a
version: "1"
sources:
  - https://example.org/a-1.tar.gz
  - https://example.org/fix.patch
`,
	})
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := s.Find("a")
	if got, want := r.Sources[0].URL, "https://example.org/a-1.tar.gz"; got != want {
		t.Errorf("Sources[0].URL = %q, want %q", got, want)
	}
	if r.Sources[0].SHA256 != "" {
		t.Errorf("legacy source has checksum %q, want none", r.Sources[0].SHA256)
	}
	if r.Sources[0].IsPatch() {
		t.Errorf("archive classified as patch")
	}
	if !r.Sources[1].IsPatch() {
		t.Errorf(".patch source not classified as patch")
	}
}

func TestGitSource(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"a.yml": `
name: a
version: "1"
sources:
  - git: https://github.com/madler/zlib
    ref: v1.3.1
    depth: 1
    submodules: true
`,
	})
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := s.Find("a")
	src := r.Sources[0]
	if !src.IsGit() || src.Ref != "v1.3.1" || src.Depth != 1 || !src.Submodules {
		t.Fatalf("git source = %+v", src)
	}
	if src.IsPatch() {
		t.Errorf("git source classified as patch")
	}
}

func TestUnknownModeFailsLoading(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"a.yml": `
name: a
version: "1"
build:
  mode: jail
`,
	})
	_, err := Load(dir)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("Load = %v, want SchemaError", err)
	}
}

func TestDuplicateNameFailsLoading(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"a.yml": "name: a\nversion: \"1\"\n",
		"b.yml": "name: a\nversion: \"2\"\n",
	})
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted duplicate package name")
	}
}

func TestDanglingDependencyFailsLoading(t *testing.T) {
	dir := writeRecipes(t, map[string]string{
		"a.yml": "name: a\nversion: \"1\"\ndepends: [ghost]\n",
	})
	_, err := Load(dir)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Name != "ghost" {
		t.Fatalf("Load = %v, want NotFoundError{ghost}", err)
	}
}

func TestFindNotFound(t *testing.T) {
	dir := writeRecipes(t, map[string]string{"a.yml": "name: a\nversion: \"1\"\n"})
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Find("nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Find = %v, want NotFoundError", err)
	}
}
