package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.ArchiveType, "tar.xz"; got != want {
		t.Errorf("ArchiveType = %q, want %q", got, want)
	}
	if got, want := time.Duration(cfg.Timeout), 2*time.Hour; got != want {
		t.Errorf("Timeout = %v, want %v", got, want)
	}
	if !cfg.Strip {
		t.Errorf("Strip = false, want true")
	}
}

func TestLoadConfigFile(t *testing.T) {
	root := t.TempDir()
	const doc = `
concurrency: 3
timeout: 10m
archive_type: tar.gz
strip: false
silent_patterns:
  - "boom"
`
	if err := os.WriteFile(filepath.Join(root, "orq.yaml"), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(root)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Concurrency, 3; got != want {
		t.Errorf("Concurrency = %d, want %d", got, want)
	}
	if got, want := time.Duration(cfg.Timeout), 10*time.Minute; got != want {
		t.Errorf("Timeout = %v, want %v", got, want)
	}
	if got, want := cfg.ArchiveType, "tar.gz"; got != want {
		t.Errorf("ArchiveType = %q, want %q", got, want)
	}
	if len(cfg.SilentPatterns) != 1 || cfg.SilentPatterns[0] != "boom" {
		t.Errorf("SilentPatterns = %v, want [boom]", cfg.SilentPatterns)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ORQ_JOBS", "7")
	t.Setenv("ORQ_ARCHIVE", "tar.zst")
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Concurrency, 7; got != want {
		t.Errorf("Concurrency = %d, want %d", got, want)
	}
	if got, want := cfg.ArchiveType, "tar.zst"; got != want {
		t.Errorf("ArchiveType = %q, want %q", got, want)
	}
}

func TestLoadConfigBadArchiveType(t *testing.T) {
	t.Setenv("ORQ_ARCHIVE", "rar")
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error for unknown archive type")
	}
}
