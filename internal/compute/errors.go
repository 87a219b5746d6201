package compute

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

var (
	// ErrEnumeration is returned when platform discovery itself fails.
	ErrEnumeration = errors.New("compute: failed to identify platforms")

	// ErrNoDevices is returned when no enumerated device matched the selection.
	ErrNoDevices = errors.New("compute: no devices found")

	// ErrTooManyDevices is returned when the selection matches more devices
	// than MaxDevices.
	ErrTooManyDevices = errors.New("compute: too many devices selected")

	// ErrTooManySelections is returned when more than MaxSelections pairs are given.
	ErrTooManySelections = errors.New("compute: too many device selections")

	// ErrAlreadyInitialized is returned when a driver is already owned by a live Manager.
	ErrAlreadyInitialized = errors.New("compute: driver already initialized")

	// ErrInUse is returned by Shutdown while solvers still hold the manager.
	ErrInUse = errors.New("compute: manager still in use")

	// ErrShutdown is returned when attaching to a manager that was shut down.
	ErrShutdown = errors.New("compute: manager shut down")

	// ErrBuildFailed is wrapped by every BuildError.
	ErrBuildFailed = errors.New("compute: program build failed")

	// ErrInvalidArgument marks caller precondition violations.
	ErrInvalidArgument = errors.New("compute: invalid argument")
)

// DeviceError reports a failed platform call on a specific device together
// with the call site that observed it.
type DeviceError struct {
	Device string
	Op     string
	File   string
	Line   int
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s:%d: %v [dev %s] - %s", e.File, e.Line, e.Err, e.Device, e.Op)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Check wraps a non-nil err into a DeviceError naming device, the operation and
// the caller's source location. It returns nil when err is nil.
func Check(err error, device, op string) error {
	if err == nil {
		return nil
	}
	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(1); ok {
		file, line = filepath.Base(f), l
	}
	return &DeviceError{Device: device, Op: op, File: file, Line: line, Err: err}
}

// StatusOf extracts the platform status carried by err, if any.
func StatusOf(err error) (Status, bool) {
	var status Status
	if errors.As(err, &status) {
		return status, true
	}
	return StatusSuccess, false
}

// BuildError carries the full diagnostic output of a failed program build.
type BuildError struct {
	Device  string
	Source  string
	Options string
	Status  BuildStatus
	Log     string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("compiling %q for %s: %v (build status %s)", e.Source, e.Device, e.Err, e.Status)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrBuildFailed, e.Err}
}
