// Package kernels ships the relaxation kernel source and its host-side
// equivalent.
package kernels

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// STPFile is the source unit name the solver compiles by default.
const STPFile = "stp.cl"

// BasicSTPEntry is the entry point exported by STPFile.
const BasicSTPEntry = "basicSTP"

// STPSource contains the OpenCL C source of STPFile.
//
//go:embed stp.cl
var STPSource string

// Install writes STPFile into dir so platform compilers can resolve
// `#include "stp.cl"` through their include path. It returns the written path.
func Install(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating kernel directory: %w", err)
	}
	path := filepath.Join(dir, STPFile)
	if err := os.WriteFile(path, []byte(STPSource), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", STPFile, err)
	}
	return path, nil
}
