//go:build !opencl

package opencl

import (
	"errors"

	"github.com/fxnlabs/clstp/internal/compute"
)

// ErrNotBuilt indicates the binary was built without OpenCL support.
var ErrNotBuilt = errors.New("opencl support requires building with '-tags opencl'")

// Driver is a placeholder when OpenCL support is not compiled.
type Driver struct{}

// New returns ErrNotBuilt when OpenCL support is not compiled in.
func New() (*Driver, error) {
	return nil, ErrNotBuilt
}

func (d *Driver) Name() string {
	return "opencl"
}

func (d *Driver) Platforms(int) ([]compute.Platform, error) {
	return nil, ErrNotBuilt
}
