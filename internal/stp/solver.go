// Package stp runs the staged all-pairs relaxation of a simple temporal
// problem on the devices of a compute.Manager.
//
// A Solve uploads the N×N weight matrix, launches the relaxation kernel once
// per intermediate vertex k = 0..N-1 and reads the closed matrix back. Stage
// k+1 must observe the completed output of stage k: on in-order queues this
// follows from submission order, on out-of-order queues every stage waits on
// the event signalled by the previous one.
package stp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/internal/metrics"
	"github.com/fxnlabs/clstp/kernels"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultSource = kernels.STPFile
	KernelName    = kernels.BasicSTPEntry
	WorkGroupSize = 256

	argN       = 0
	argStage   = 1
	argWeights = 2
)

var (
	// ErrBusy is returned when Solve is called while another Solve is running.
	ErrBusy = errors.New("stp: solver busy")

	// ErrClosed is returned by any call after Close.
	ErrClosed = errors.New("stp: solver closed")
)

// Option configures a Solver.
type Option func(*options)

type options struct {
	source        string
	buildArgs     string
	workGroupSize int
}

// WithSource compiles the named source unit instead of DefaultSource.
func WithSource(source string) Option {
	return func(o *options) {
		o.source = source
	}
}

// WithBuildArgs appends extra compiler flags to every program build.
func WithBuildArgs(args string) Option {
	return func(o *options) {
		o.buildArgs = args
	}
}

// WithWorkGroupSize overrides the launch work-group size. Devices whose limit
// is lower use their own maximum.
func WithWorkGroupSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workGroupSize = n
		}
	}
}

type deviceResources struct {
	device  *compute.Device
	program compute.Program
	kernel  compute.Kernel
	weights compute.Buffer
	flag    compute.Buffer
	// done is signalled by the final read of the last solve.
	done  compute.Event
	local int
}

// release frees whatever was created, in reverse order of creation.
func (r *deviceResources) release() error {
	var err error
	if r.done != nil {
		err = multierr.Append(err, compute.Check(r.done.Release(), r.device.Name, "releasing completion event"))
		r.done = nil
	}
	if r.flag != nil {
		err = multierr.Append(err, compute.Check(r.flag.Release(), r.device.Name, "releasing flag buffer"))
		r.flag = nil
	}
	if r.weights != nil {
		err = multierr.Append(err, compute.Check(r.weights.Release(), r.device.Name, "releasing weight buffer"))
		r.weights = nil
	}
	if r.kernel != nil {
		err = multierr.Append(err, compute.Check(r.kernel.Release(), r.device.Name, "releasing kernel"))
		r.kernel = nil
	}
	if r.program != nil {
		err = multierr.Append(err, compute.Check(r.program.Release(), r.device.Name, "releasing program"))
		r.program = nil
	}
	return err
}

type state int

const (
	idle state = iota
	solving
	closed
)

// Solver owns per-device buffers, kernel and completion event sized for one
// maximum problem size. A Solver is safe for use by multiple goroutines but
// runs one Solve at a time.
type Solver struct {
	mgr     *compute.Manager
	maxSize int
	logger  *zap.Logger

	mu        sync.Mutex
	state     state
	resources []*deviceResources
}

// NewSolver compiles the relaxation kernel and allocates resources on every
// device of mgr. The solver borrows mgr until Close.
func NewSolver(mgr *compute.Manager, maxProblemSize int, logger *zap.Logger, opts ...Option) (*Solver, error) {
	if mgr == nil {
		return nil, fmt.Errorf("%w: nil manager", compute.ErrInvalidArgument)
	}
	if maxProblemSize <= 0 {
		return nil, fmt.Errorf("%w: max problem size %d", compute.ErrInvalidArgument, maxProblemSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{source: DefaultSource, workGroupSize: WorkGroupSize}
	for _, opt := range opts {
		opt(&o)
	}

	if err := mgr.Attach(); err != nil {
		return nil, err
	}
	s := &Solver{mgr: mgr, maxSize: maxProblemSize, logger: logger.Named("stp")}
	for _, dev := range mgr.Devices() {
		res, err := s.prepare(dev, o)
		if err != nil {
			if releaseErr := s.release(); releaseErr != nil {
				s.logger.Warn("Releasing partially constructed solver", zap.Error(releaseErr))
			}
			mgr.Detach()
			return nil, err
		}
		s.resources = append(s.resources, res)
	}
	return s, nil
}

func (s *Solver) prepare(dev *compute.Device, o options) (*deviceResources, error) {
	res := &deviceResources{device: dev, local: o.workGroupSize}
	if max := dev.Info.MaxWorkGroupSize; max > 0 && res.local > max {
		res.local = max
	}
	if err := s.allocate(res, o); err != nil {
		return nil, multierr.Append(err, res.release())
	}
	return res, nil
}

func (s *Solver) allocate(res *deviceResources, o options) error {
	dev := res.device
	program, err := s.mgr.CompileProgram(dev, o.source, o.buildArgs)
	if err != nil {
		return err
	}
	res.program = program

	if res.kernel, err = program.CreateKernel(KernelName); err != nil {
		return compute.Check(err, dev.Name, "creating kernel "+KernelName)
	}

	weightBytes := s.maxSize * s.maxSize * 4
	if res.weights, err = dev.Context.CreateBuffer(weightBytes); err != nil {
		return compute.Check(err, dev.Name, "allocating weight buffer")
	}
	if res.flag, err = dev.Context.CreateBuffer(4); err != nil {
		return compute.Check(err, dev.Name, "allocating flag buffer")
	}

	done, err := dev.Context.CreateUserEvent()
	if err != nil {
		return compute.Check(err, dev.Name, "creating completion event")
	}
	res.done = done
	if err := done.Complete(); err != nil {
		return compute.Check(err, dev.Name, "signalling completion event")
	}

	s.logger.Info("Allocated device buffers",
		zap.String("device", dev.Name),
		zap.Float64("weightsMiB", float64(weightBytes)/(1<<20)),
		zap.Float64("flagMiB", 4.0/(1<<20)),
		zap.Int("workGroupSize", res.local))
	metrics.DeviceBufferBytes.WithLabelValues(dev.Name).Add(float64(weightBytes + 4))
	return nil
}

// MaxProblemSize returns the largest N the solver accepts.
func (s *Solver) MaxProblemSize() int {
	return s.maxSize
}

// Devices returns the number of devices the solver holds resources on.
func (s *Solver) Devices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Solve runs SolveOn on the first device.
func (s *Solver) Solve(n int, matrix []float32) (time.Duration, error) {
	return s.SolveOn(0, n, matrix)
}

// SolveOn closes the first n×n entries of matrix in place on device dev and
// returns the wall time of the upload, all stages and the download.
func (s *Solver) SolveOn(dev, n int, matrix []float32) (time.Duration, error) {
	res, err := s.begin(dev, n, matrix)
	if err != nil {
		return 0, err
	}
	defer s.end()

	name := res.device.Name
	start := time.Now()
	if err := s.run(res, n, matrix); err != nil {
		metrics.Solves.WithLabelValues(name, "error").Inc()
		if drainErr := res.device.ComputeQueue().Finish(); drainErr != nil {
			s.logger.Debug("Draining compute queue after failed solve", zap.String("device", name), zap.Error(drainErr))
		}
		return 0, err
	}
	elapsed := time.Since(start).Round(time.Microsecond)

	metrics.Solves.WithLabelValues(name, "ok").Inc()
	metrics.StageLaunches.WithLabelValues(name).Add(float64(n))
	metrics.SolveDuration.Observe(elapsed.Seconds())
	metrics.SolveProblemSize.Set(float64(n))
	s.logger.Info("Solved", zap.String("device", name), zap.Int("n", n), zap.Float64("seconds", elapsed.Seconds()))
	return elapsed, nil
}

func (s *Solver) begin(dev, n int, matrix []float32) (*deviceResources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case closed:
		return nil, ErrClosed
	case solving:
		return nil, ErrBusy
	}
	if dev < 0 || dev >= len(s.resources) {
		return nil, fmt.Errorf("%w: device %d out of range [0, %d)", compute.ErrInvalidArgument, dev, len(s.resources))
	}
	if n <= 0 || n > s.maxSize {
		return nil, fmt.Errorf("%w: problem size %d out of range [1, %d]", compute.ErrInvalidArgument, n, s.maxSize)
	}
	if len(matrix) < n*n {
		return nil, fmt.Errorf("%w: matrix holds %d values, need %d", compute.ErrInvalidArgument, len(matrix), n*n)
	}
	s.state = solving
	return s.resources[dev], nil
}

func (s *Solver) end() {
	s.mu.Lock()
	s.state = idle
	s.mu.Unlock()
}

func (s *Solver) run(res *deviceResources, n int, matrix []float32) error {
	dev := res.device
	q := dev.ComputeQueue()
	data := matrix[:n*n]

	if err := q.WriteBuffer(res.weights, 0, data, true); err != nil {
		return compute.Check(err, dev.Name, "uploading weights")
	}
	if err := res.kernel.SetArg(argN, int32(n)); err != nil {
		return compute.Check(err, dev.Name, "setting kernel argument N")
	}
	if err := res.kernel.SetArg(argWeights, res.weights); err != nil {
		return compute.Check(err, dev.Name, "setting kernel argument w")
	}

	global := roundUp(n, res.local)
	var prev compute.Event
	defer func() {
		if prev != nil {
			_ = prev.Release()
		}
	}()
	for k := 0; k < n; k++ {
		if err := res.kernel.SetArg(argStage, int32(k)); err != nil {
			return compute.Check(err, dev.Name, "setting kernel argument k")
		}
		if q.InOrder() {
			if _, err := q.EnqueueKernel(res.kernel, global, res.local, nil, false); err != nil {
				return compute.Check(err, dev.Name, fmt.Sprintf("enqueueing stage %d", k))
			}
			continue
		}
		ev, err := q.EnqueueKernel(res.kernel, global, res.local, waitOn(prev), true)
		if err != nil {
			return compute.Check(err, dev.Name, fmt.Sprintf("enqueueing stage %d", k))
		}
		if prev != nil {
			_ = prev.Release()
		}
		prev = ev
	}

	done, err := q.ReadBuffer(res.weights, 0, data, true, waitOn(prev), true)
	if err != nil {
		return compute.Check(err, dev.Name, "downloading weights")
	}
	if res.done != nil {
		if err := res.done.Release(); err != nil {
			s.logger.Warn("Releasing previous completion event", zap.String("device", dev.Name), zap.Error(err))
		}
	}
	res.done = done
	if err := done.Wait(); err != nil {
		return compute.Check(err, dev.Name, "waiting for completion")
	}
	return nil
}

func waitOn(ev compute.Event) []compute.Event {
	if ev == nil {
		return nil
	}
	return []compute.Event{ev}
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}

// Close releases every device resource and returns the manager borrow.
// Closing a closed solver is a no-op.
func (s *Solver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case closed:
		return nil
	case solving:
		return ErrBusy
	}
	s.state = closed
	err := s.release()
	s.mgr.Detach()
	s.logger.Info("Solver closed")
	return err
}

func (s *Solver) release() error {
	var err error
	for i := len(s.resources) - 1; i >= 0; i-- {
		res := s.resources[i]
		bytes := float64(0)
		if res.weights != nil {
			bytes += float64(res.weights.Size())
		}
		if res.flag != nil {
			bytes += float64(res.flag.Size())
		}
		err = multierr.Append(err, res.release())
		metrics.DeviceBufferBytes.WithLabelValues(res.device.Name).Sub(bytes)
	}
	s.resources = nil
	return err
}
