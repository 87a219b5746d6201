package compute

import (
	"fmt"
	"strings"
)

// DeviceKind classifies a device the way the platform reports it.
type DeviceKind int

const (
	KindOther DeviceKind = iota
	KindCPU
	KindGPU
	KindAccelerator
)

func (k DeviceKind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	case KindAccelerator:
		return "accelerator"
	default:
		return "??"
	}
}

// ParseDeviceKind maps "cpu", "gpu" and "accelerator" to a kind. Anything else
// is KindOther.
func ParseDeviceKind(s string) DeviceKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return KindCPU
	case "gpu":
		return KindGPU
	case "accelerator":
		return KindAccelerator
	default:
		return KindOther
	}
}

// PlatformInfo describes one discovered platform.
type PlatformInfo struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

// DeviceInfo describes one discovered device.
type DeviceInfo struct {
	Name             string     `json:"name"`
	Vendor           string     `json:"vendor"`
	Kind             DeviceKind `json:"kind"`
	MaxAllocSize     uint64     `json:"maxAllocSize"`  // in bytes
	GlobalMemSize    uint64     `json:"globalMemSize"` // in bytes
	MaxWorkGroupSize int        `json:"maxWorkGroupSize"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("name='%s' type=%s maxAllocSize=%dM globalMemSize=%dM",
		d.Name, d.Kind, d.MaxAllocSize/(1024*1024), d.GlobalMemSize/(1024*1024))
}

// Driver is the entry point of a compute platform implementation
// (OpenCL ICD, the pure-Go host platform, ...).
//
// Implementations must be pointer types: a Manager claims its driver by
// identity so that only one manager owns live contexts on it at a time.
type Driver interface {
	Name() string
	// Platforms returns at most max platforms in discovery order.
	Platforms(max int) ([]Platform, error)
}

// Platform enumerates the devices it exposes.
type Platform interface {
	Info() PlatformInfo
	// Devices returns at most max devices in discovery order.
	Devices(max int) ([]DeviceHandle, error)
}

// DeviceHandle is a discovered device that has no context yet.
type DeviceHandle interface {
	Info() DeviceInfo
	// CreateContext creates an execution context bound to this single device.
	CreateContext() (Context, error)
}

// Context owns memory objects, programs, queues and events for one device.
type Context interface {
	// CreateQueue creates a command queue. Commands on an in-order queue
	// execute in submission order; an out-of-order queue only honours
	// explicit wait lists.
	CreateQueue(inOrder bool) (Queue, error)
	// CreateBuffer allocates size bytes of read-write device memory.
	CreateBuffer(size int) (Buffer, error)
	CreateProgram(source string) (Program, error)
	CreateUserEvent() (UserEvent, error)
	Release() error
}

// Buffer is device-resident memory.
type Buffer interface {
	Size() int
	Release() error
}

// Program is a compilation unit built for the context's device.
type Program interface {
	Build(options string) error
	BuildStatus() BuildStatus
	BuildLog() string
	CreateKernel(name string) (Kernel, error)
	Release() error
}

// Kernel is one entry point of a built program. Argument values are captured
// when a launch is enqueued, so changing an argument afterwards does not
// affect launches already submitted.
type Kernel interface {
	Name() string
	// SetArg binds an int32, a float32 or a Buffer to the argument at index.
	SetArg(index int, value any) error
	Release() error
}

// Queue submits transfers and kernel launches to one device. Offsets and
// lengths of transfers are counted in float32 elements. Methods that take a
// signal flag return a completion event when it is true and nil otherwise;
// the caller owns returned events and must release them.
type Queue interface {
	InOrder() bool
	WriteBuffer(buf Buffer, offset int, src []float32, blocking bool) error
	ReadBuffer(buf Buffer, offset int, dst []float32, blocking bool, waitFor []Event, signal bool) (Event, error)
	// EnqueueKernel launches k over a one-dimensional index space of global
	// work items split into work-groups of local items.
	EnqueueKernel(k Kernel, global, local int, waitFor []Event, signal bool) (Event, error)
	// Finish blocks until every command submitted so far has completed.
	Finish() error
	Release() error
}

// Event is signalled when the command it tracks has finished.
type Event interface {
	// Wait blocks until the event is signalled and reports the command's error.
	Wait() error
	Release() error
}

// UserEvent is an event completed by the host.
type UserEvent interface {
	Event
	Complete() error
}
