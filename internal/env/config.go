package env

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML values like "2h" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the flat orchestrator configuration, loaded from <root>/orq.yaml
// at startup. Concurrency, timeout, retries, archive type, chroot dir and
// mode can be overridden through the environment (ORQ_JOBS, ORQ_TIMEOUT,
// ORQ_RETRIES, ORQ_ARCHIVE, ORQ_CHROOT, ORQ_MODE); strip, silent_patterns
// and no_quarantine are read from the file only.
type Config struct {
	Root string `yaml:"-"`

	Concurrency    int           `yaml:"concurrency"`
	Timeout        Duration      `yaml:"timeout"`
	Retries        int           `yaml:"retries"`
	Strip          bool          `yaml:"strip"`
	ArchiveType    string        `yaml:"archive_type"` // tar.xz, tar.gz or tar.zst
	ChrootDir      string        `yaml:"chroot_dir"`
	Mode           string        `yaml:"mode"` // auto, direct, fakeroot, chroot
	SilentPatterns []string      `yaml:"silent_patterns"`
	QuarantineOff  bool          `yaml:"no_quarantine"`
}

// ArchiveTypes enumerates the supported packaged-artifact formats.
var ArchiveTypes = map[string]bool{
	"tar.xz":  true,
	"tar.gz":  true,
	"tar.zst": true,
}

func defaults(root string) *Config {
	return &Config{
		Root:        root,
		Concurrency: runtime.NumCPU(),
		Timeout:     Duration(2 * time.Hour),
		Retries:     0,
		Strip:       true,
		ArchiveType: "tar.xz",
		Mode:        "auto",
	}
}

// LoadConfig reads <root>/orq.yaml (if present) and applies environment
// overrides. A missing config file is not an error; the defaults apply.
func LoadConfig(root string) (*Config, error) {
	cfg := defaults(root)

	fn := filepath.Join(root, "orq.yaml")
	b, err := os.ReadFile(fn)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, xerrors.Errorf("parsing %s: %v", fn, err)
		}
	}

	if env := os.Getenv("ORQ_JOBS"); env != "" {
		jobs, err := strconv.Atoi(env)
		if err != nil {
			return nil, xerrors.Errorf("invalid ORQ_JOBS=%q: %v", env, err)
		}
		cfg.Concurrency = jobs
	}
	if env := os.Getenv("ORQ_TIMEOUT"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return nil, xerrors.Errorf("invalid ORQ_TIMEOUT=%q: %v", env, err)
		}
		cfg.Timeout = Duration(d)
	}
	if env := os.Getenv("ORQ_RETRIES"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return nil, xerrors.Errorf("invalid ORQ_RETRIES=%q: %v", env, err)
		}
		cfg.Retries = n
	}
	if env := os.Getenv("ORQ_ARCHIVE"); env != "" {
		cfg.ArchiveType = env
	}
	if env := os.Getenv("ORQ_CHROOT"); env != "" {
		cfg.ChrootDir = env
	}
	if env := os.Getenv("ORQ_MODE"); env != "" {
		cfg.Mode = env
	}

	if !ArchiveTypes[cfg.ArchiveType] {
		return nil, xerrors.Errorf("unknown archive_type %q", cfg.ArchiveType)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return cfg, nil
}
