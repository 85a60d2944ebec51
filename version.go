package orquestrator

import "strings"

// PackageVersion identifies one registered package. (Name, Version) is the
// registration key within a fleet of recipes.
type PackageVersion struct {
	Pkg     string
	Version string
}

func (pv PackageVersion) String() string {
	return pv.Pkg + "-" + pv.Version
}

var artifactExtensions = []string{
	".tar.xz",
	".tar.gz",
	".tar.zst",
	".sha256",
	".log",
}

// ParseVersion constructs a PackageVersion from an artifact file name,
// e.g. zlib-1.3.1.tar.xz, which parses into
// PackageVersion{Pkg: "zlib", Version: "1.3.1"}.
//
// Package names may themselves contain dashes (e.g. xz-utils-5.4.6), so the
// version is taken to start at the last dash followed by a digit.
func ParseVersion(filename string) PackageVersion {
	if idx := strings.LastIndexByte(filename, '/'); idx > -1 {
		filename = filename[idx+1:]
	}
	for trimmed := true; trimmed; {
		trimmed = false
		for _, ext := range artifactExtensions {
			if strings.HasSuffix(filename, ext) {
				filename = strings.TrimSuffix(filename, ext)
				trimmed = true
			}
		}
	}
	for i := len(filename) - 2; i > 0; i-- {
		if filename[i] != '-' {
			continue
		}
		if c := filename[i+1]; c >= '0' && c <= '9' {
			return PackageVersion{Pkg: filename[:i], Version: filename[i+1:]}
		}
	}
	return PackageVersion{Pkg: filename}
}
