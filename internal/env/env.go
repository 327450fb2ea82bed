// Package env captures details about the build environment.
package env

import (
	"os"
	"path/filepath"
)

// DefaultDistDir is the root directory of the package template checkout
// (contains srcpkgs/), used when -D is not given on the command line.
var DefaultDistDir = findDistDir()

func findDistDir() string {
	if d := os.Getenv("DISTDIR"); d != "" {
		return d
	}
	return filepath.Join(os.Getenv("HOME"), "void-packages")
}
