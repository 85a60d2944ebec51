// Package recipe loads, indexes and resolves the declarative package
// recipes consumed by the pipeline engine.
package recipe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Modes enumerates the recognized build isolation modes.
var Modes = map[string]bool{
	"":         true, // defaults to auto
	"auto":     true,
	"direct":   true,
	"fakeroot": true,
	"chroot":   true,
}

// Source is one entry of a recipe's sources list: either a remote artifact
// (URL plus optional checksum and mirrors), a version-controlled repository,
// or — legacy form — a bare URL string without checksum.
type Source struct {
	URL     string   `yaml:"url"`
	SHA256  string   `yaml:"sha256"`
	Mirrors []string `yaml:"mirrors"`

	Git        string `yaml:"git"`
	Ref        string `yaml:"ref"`
	Depth      int    `yaml:"depth"`
	Submodules bool   `yaml:"submodules"`
}

func (s *Source) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var u string
		if err := value.Decode(&u); err != nil {
			return err
		}
		*s = Source{URL: u}
		return nil
	}
	type plain Source
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Source(p)
	return nil
}

func (s *Source) IsGit() bool { return s.Git != "" }

// IsPatch reports whether the entry is a patch rather than an archive.
// Patches are applied in sources order.
func (s *Source) IsPatch() bool {
	if s.IsGit() {
		return false
	}
	base := s.URL
	if idx := strings.IndexByte(base, '?'); idx > -1 {
		base = base[:idx]
	}
	return strings.HasSuffix(base, ".patch") || strings.HasSuffix(base, ".diff")
}

// Build holds the phase shell commands. install must honor DESTDIR.
type Build struct {
	Configure string `yaml:"configure"`
	Make      string `yaml:"make"`
	Install   string `yaml:"install"`
	Mode      string `yaml:"mode"`
}

// Hooks are optional per-package scripts: a path resolved against the hooks
// directory, a path inside the workspace, or an inline shell command.
type Hooks struct {
	PreExtract  string `yaml:"pre_extract"`
	PostExtract string `yaml:"post_extract"`
	PostPatch   string `yaml:"post_patch"`
	PreBuild    string `yaml:"pre_build"`
	PostBuild   string `yaml:"post_build"`
	PreInstall  string `yaml:"pre_install"`
	PostInstall string `yaml:"post_install"`
	PostStrip   string `yaml:"post_strip"`
}

// Recipe is one declarative package description. (Name, Version) is the
// registration key; Name is unique across the fleet.
type Recipe struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Sources     []Source `yaml:"sources"`
	Depends     []string `yaml:"depends"`
	Build       Build    `yaml:"build"`
	Environment []string `yaml:"environment"`
	Hooks       Hooks    `yaml:"hooks"`
	Strip       *bool    `yaml:"strip"`
}

func (r *Recipe) FullName() string {
	return r.Name + "-" + r.Version
}

// SchemaError reports a recipe document which does not conform to the
// schema. It aborts loading.
type SchemaError struct {
	File string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in %s: %v", e.File, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NotFoundError reports a reference to an unregistered package name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("recipe %q not found", e.Name)
}

// Store indexes all loaded recipes by name.
type Store struct {
	byName map[string]*Recipe
	all    []*Recipe
}

func validate(r *Recipe, file string) error {
	if r.Name == "" {
		return &SchemaError{File: file, Err: xerrors.New("missing name")}
	}
	if r.Version == "" {
		return &SchemaError{File: file, Err: xerrors.Errorf("%s: missing version", r.Name)}
	}
	if !Modes[r.Build.Mode] {
		return &SchemaError{File: file, Err: xerrors.Errorf("%s: unknown build.mode %q", r.Name, r.Build.Mode)}
	}
	return nil
}

// Load reads every *.yml/*.yaml document below dir. Files may contain
// multiple recipes (multi-document streams or top-level sequences). Unknown
// mapping keys are ignored; unknown enumerated values fail loading.
func Load(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{byName: make(map[string]*Recipe)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".yml") && !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		fn := filepath.Join(dir, e.Name())
		if err := s.loadFile(fn); err != nil {
			return nil, err
		}
	}

	// Fail early on dangling depends references so that scheduling never
	// encounters them.
	for _, r := range s.all {
		for _, dep := range r.Depends {
			if _, ok := s.byName[dep]; !ok {
				return nil, xerrors.Errorf("recipe %s: depends on unknown package %q: %w",
					r.Name, dep, &NotFoundError{Name: dep})
			}
		}
	}

	return s, nil
}

func (s *Store) loadFile(fn string) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if err == io.EOF {
				return nil
			}
			return &SchemaError{File: fn, Err: err}
		}
		var docs []*Recipe
		// Decoder.Decode wraps each document's content in a DocumentNode.
		content := &node
		if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
			content = node.Content[0]
		}
		if content.Kind == yaml.SequenceNode {
			if err := content.Decode(&docs); err != nil {
				return &SchemaError{File: fn, Err: err}
			}
		} else {
			var r Recipe
			if err := node.Decode(&r); err != nil {
				return &SchemaError{File: fn, Err: err}
			}
			docs = []*Recipe{&r}
		}
		for _, r := range docs {
			if err := validate(r, fn); err != nil {
				return err
			}
			if prev, ok := s.byName[r.Name]; ok {
				return &SchemaError{File: fn, Err: xerrors.Errorf(
					"duplicate package name %q (already registered as %s)",
					r.Name, prev.FullName())}
			}
			s.byName[r.Name] = r
			s.all = append(s.all, r)
		}
	}
}

// Find resolves a package name.
func (s *Store) Find(name string) (*Recipe, error) {
	r, ok := s.byName[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return r, nil
}

// All returns every registered recipe, sorted by name.
func (s *Store) All() []*Recipe {
	result := make([]*Recipe, len(s.all))
	copy(result, s.all)
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
