//go:build !opencl

package opencl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NotBuilt(t *testing.T) {
	d, err := New()
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrNotBuilt)

	var stub Driver
	assert.Equal(t, "opencl", stub.Name())
	_, err = stub.Platforms(1)
	assert.ErrorIs(t, err, ErrNotBuilt)
}
