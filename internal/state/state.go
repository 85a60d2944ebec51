// Package state is the durable per-package record of phase outcomes,
// consulted for crash resumption. Writes are atomic (temp file + rename);
// reads are lock-free. A package with no state file was never attempted.
package state

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/fcanata00/orquestrator/internal/fslayout"
)

type Status string

const (
	Ok         Status = "ok"
	Failed     Status = "failed"
	Skipped    Status = "skipped"
	InProgress Status = "in_progress"
)

// SourceRecord describes one verified source artifact.
type SourceRecord struct {
	File   string `yaml:"file"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// Artifact describes the packaged destdir archive.
type Artifact struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// State is one per-package record below <root>/state/<phase>.d/.
type State struct {
	Package   string         `yaml:"package"`
	Status    Status         `yaml:"status"`
	Phase     string         `yaml:"phase"`
	Reason    string         `yaml:"reason,omitempty"`
	Timestamp time.Time      `yaml:"timestamp"`
	Sources   []SourceRecord `yaml:"sources,omitempty"`
	Commit    string         `yaml:"commit,omitempty"`
	Artifact  *Artifact      `yaml:"artifact,omitempty"`
}

// Store reads and writes state documents below the layout's state dirs.
type Store struct {
	Layout *fslayout.Layout
}

// Read returns the recorded state for pkg in phase, or nil if the package
// was never attempted.
func (s *Store) Read(phase, pkg string) (*State, error) {
	b, err := os.ReadFile(s.Layout.StatePath(phase, pkg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := yaml.Unmarshal(b, &st); err != nil {
		return nil, xerrors.Errorf("parsing state of %s: %v", pkg, err)
	}
	return &st, nil
}

// Write persists st atomically. The caller holds the per-package lock.
func (s *Store) Write(phase, pkg string, st *State) error {
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	b, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	fn := s.Layout.StatePath(phase, pkg)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(fn, b, 0644)
}

// MergeSnapshot concatenates all per-package states of phase into the merged
// document <root>/state/<phase>.yml, grouped under a top-level packages
// mapping with sorted keys. Merging twice yields identical bytes.
func (s *Store) MergeSnapshot(phase string) error {
	dir := s.Layout.StateDir(phase)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yml"))
	}
	sort.Strings(names)

	pkgs := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range names {
		st, err := s.Read(phase, name)
		if err != nil {
			return err
		}
		var key, val yaml.Node
		key.SetString(name)
		if err := val.Encode(st); err != nil {
			return err
		}
		pkgs.Content = append(pkgs.Content, &key, &val)
	}

	var top yaml.Node
	top.Kind = yaml.MappingNode
	var key yaml.Node
	key.SetString("packages")
	top.Content = append(top.Content, &key, pkgs)

	b, err := yaml.Marshal(&top)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.Layout.SnapshotPath(phase), b, 0644)
}
