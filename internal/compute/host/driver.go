// Package host implements a compute platform on the Go runtime. Command
// queues run on worker goroutines and kernel launches are split into
// work-groups executed in parallel, which makes it a drop-in stand-in for an
// OpenCL device in tests and on machines without an ICD.
package host

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/fxnlabs/clstp/internal/compute"
	"go.uber.org/zap"
)

const (
	defaultMemory           = 8 * 1024 * 1024 * 1024 // 8GB
	defaultMaxWorkGroupSize = 1024
)

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// MemoryMB is both the global memory size and the largest single
	// allocation. Zero means 8GB.
	MemoryMB         uint64 `yaml:"memoryMB"`
	MaxWorkGroupSize int    `yaml:"maxWorkGroupSize"`
}

// PlatformSpec describes one simulated platform and its devices.
type PlatformSpec struct {
	Name    string       `yaml:"name"`
	Vendor  string       `yaml:"vendor"`
	Devices []DeviceSpec `yaml:"devices"`
}

// DefaultPlatforms is a single platform with one CPU device.
func DefaultPlatforms() []PlatformSpec {
	return []PlatformSpec{{
		Name:   "Go host",
		Vendor: "clstp",
		Devices: []DeviceSpec{{
			Name: fmt.Sprintf("CPU (%s)", runtime.GOARCH),
			Kind: "cpu",
		}},
	}}
}

// Option configures a Driver.
type Option func(*Driver)

// WithPlatforms replaces the simulated platform inventory.
func WithPlatforms(platforms ...PlatformSpec) Option {
	return func(d *Driver) {
		d.platforms = platforms
	}
}

// WithLibrary replaces the kernel library programs are built against.
func WithLibrary(lib *Library) Option {
	return func(d *Driver) {
		d.library = lib
	}
}

// WithWorkers bounds the number of work-groups executed concurrently.
func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Driver is the host compute platform.
type Driver struct {
	platforms []PlatformSpec
	library   *Library
	workers   int
	logger    *zap.Logger

	live atomic.Int64
}

// NewDriver creates a host driver. Without options it exposes
// DefaultPlatforms and DefaultLibrary.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		platforms: DefaultPlatforms(),
		library:   DefaultLibrary(),
		workers:   runtime.GOMAXPROCS(0),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("host")
	return d
}

// Name implements compute.Driver.
func (d *Driver) Name() string {
	return "host"
}

// Live reports how many driver objects (contexts, queues, buffers, programs,
// kernels and events) have been created and not yet released.
func (d *Driver) Live() int64 {
	return d.live.Load()
}

// Platforms implements compute.Driver.
func (d *Driver) Platforms(max int) ([]compute.Platform, error) {
	if max <= 0 {
		return nil, compute.StatusInvalidValue
	}
	n := min(len(d.platforms), max)
	out := make([]compute.Platform, n)
	for i := range n {
		out[i] = &platform{driver: d, spec: d.platforms[i]}
	}
	return out, nil
}

type platform struct {
	driver *Driver
	spec   PlatformSpec
}

func (p *platform) Info() compute.PlatformInfo {
	return compute.PlatformInfo{
		Name:    p.spec.Name,
		Vendor:  p.spec.Vendor,
		Version: "host " + runtime.Version(),
	}
}

func (p *platform) Devices(max int) ([]compute.DeviceHandle, error) {
	if max <= 0 {
		return nil, compute.StatusInvalidValue
	}
	if len(p.spec.Devices) == 0 {
		return nil, compute.StatusDeviceNotFound
	}
	n := min(len(p.spec.Devices), max)
	out := make([]compute.DeviceHandle, n)
	for i := range n {
		out[i] = &deviceHandle{driver: p.driver, info: deviceInfo(p.spec, p.spec.Devices[i])}
	}
	return out, nil
}

func deviceInfo(p PlatformSpec, spec DeviceSpec) compute.DeviceInfo {
	memory := uint64(defaultMemory)
	if spec.MemoryMB > 0 {
		memory = spec.MemoryMB * 1024 * 1024
	}
	wg := spec.MaxWorkGroupSize
	if wg <= 0 {
		wg = defaultMaxWorkGroupSize
	}
	return compute.DeviceInfo{
		Name:             spec.Name,
		Vendor:           p.Vendor,
		Kind:             compute.ParseDeviceKind(spec.Kind),
		MaxAllocSize:     memory,
		GlobalMemSize:    memory,
		MaxWorkGroupSize: wg,
	}
}

type deviceHandle struct {
	driver *Driver
	info   compute.DeviceInfo
}

func (h *deviceHandle) Info() compute.DeviceInfo {
	return h.info
}

func (h *deviceHandle) CreateContext() (compute.Context, error) {
	h.driver.live.Add(1)
	return &hostContext{driver: h.driver, info: h.info}, nil
}
