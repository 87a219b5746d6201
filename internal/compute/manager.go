package compute

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fxnlabs/clstp/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	MaxPlatforms       = 8
	MaxPlatformDevices = 8
	MaxDevices         = 8
	MaxSelections      = 16

	// QueuesPerDevice is the number of command queues created on every
	// context: ComputeQueue for kernel dispatch, TransferQueue reserved for
	// transfers.
	QueuesPerDevice = 2
	ComputeQueue    = 0
	TransferQueue   = 1
)

// claims records which drivers are owned by a live Manager.
var claims sync.Map

// Selection names one enumerated device by platform and device index.
type Selection struct {
	Platform int `yaml:"platform"`
	Device   int `yaml:"device"`
}

func (s Selection) String() string {
	return fmt.Sprintf("%d.%d", s.Platform, s.Device)
}

// ParseSelection parses "p:d" or "p.d".
func ParseSelection(s string) (Selection, error) {
	sep := strings.IndexAny(s, ":.")
	if sep < 0 {
		return Selection{}, fmt.Errorf("%w: selection %q is not <platform>:<device>", ErrInvalidArgument, s)
	}
	p, err := strconv.Atoi(strings.TrimSpace(s[:sep]))
	if err != nil {
		return Selection{}, fmt.Errorf("%w: platform index in %q: %v", ErrInvalidArgument, s, err)
	}
	d, err := strconv.Atoi(strings.TrimSpace(s[sep+1:]))
	if err != nil {
		return Selection{}, fmt.Errorf("%w: device index in %q: %v", ErrInvalidArgument, s, err)
	}
	if p < 0 || d < 0 {
		return Selection{}, fmt.Errorf("%w: negative index in %q", ErrInvalidArgument, s)
	}
	return Selection{Platform: p, Device: d}, nil
}

// Device is one selected platform/device pair with its context and queues.
type Device struct {
	Index     int
	Selection Selection
	Name      string
	Info      DeviceInfo
	Context   Context

	queues []Queue
}

// Queue returns the i-th command queue of the device.
func (d *Device) Queue(i int) Queue {
	return d.queues[i]
}

// ComputeQueue returns the queue used for kernel dispatch.
func (d *Device) ComputeQueue() Queue {
	return d.queues[ComputeQueue]
}

// TransferQueue returns the queue reserved for transfers.
func (d *Device) TransferQueue() Queue {
	return d.queues[TransferQueue]
}

func (d *Device) release() error {
	var err error
	for i := len(d.queues) - 1; i >= 0; i-- {
		err = multierr.Append(err, Check(d.queues[i].Release(), d.Name, "releasing command queue"))
	}
	d.queues = nil
	if d.Context != nil {
		err = multierr.Append(err, Check(d.Context.Release(), d.Name, "releasing context"))
		d.Context = nil
	}
	return err
}

// PlatformRecord is the inventory entry of one enumerated platform.
type PlatformRecord struct {
	Index   int
	Info    PlatformInfo
	Devices []DeviceInfo
	// Err is set when the platform could not be queried for devices.
	Err error

	handles []DeviceHandle
}

// Enumerate lists at most MaxPlatforms platforms and MaxPlatformDevices devices
// per platform. A platform whose device query fails is kept with Err set.
func Enumerate(driver Driver) ([]PlatformRecord, error) {
	platforms, err := driver.Platforms(MaxPlatforms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}
	if len(platforms) > MaxPlatforms {
		platforms = platforms[:MaxPlatforms]
	}
	records := make([]PlatformRecord, 0, len(platforms))
	for i, p := range platforms {
		rec := PlatformRecord{Index: i, Info: p.Info()}
		handles, err := p.Devices(MaxPlatformDevices)
		if err != nil {
			rec.Err = err
			records = append(records, rec)
			continue
		}
		if len(handles) > MaxPlatformDevices {
			handles = handles[:MaxPlatformDevices]
		}
		rec.handles = handles
		for _, h := range handles {
			rec.Devices = append(rec.Devices, h.Info())
		}
		records = append(records, rec)
	}
	return records, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithIncludeDirs adds directories to the include path of every program build.
func WithIncludeDirs(dirs ...string) Option {
	return func(m *Manager) {
		m.includeDirs = append(m.includeDirs, dirs...)
	}
}

// WithOutOfOrderQueues creates out-of-order queues instead of the default
// in-order ones.
func WithOutOfOrderQueues() Option {
	return func(m *Manager) {
		m.inOrder = false
	}
}

// Manager is the single authority over the contexts and queues of the
// selected devices. It must outlive every solver attached to it.
type Manager struct {
	driver      Driver
	logger      *zap.Logger
	includeDirs []string
	inOrder     bool
	getwd       func() (string, error)

	mu        sync.Mutex
	platforms []PlatformRecord
	devices   []*Device
	warnings  []string
	borrowers int
	closed    bool
}

// NewManager enumerates the driver's platforms and creates a context with
// QueuesPerDevice queues for every device named in selections. Devices are
// created in discovery order. Missing selections only produce a warning;
// an empty match is an error.
func NewManager(driver Driver, selections []Selection, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: nil driver", ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(selections) > MaxSelections {
		return nil, fmt.Errorf("%w: %d given, at most %d allowed", ErrTooManySelections, len(selections), MaxSelections)
	}
	if _, loaded := claims.LoadOrStore(driver, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, driver.Name())
	}

	m := &Manager{
		driver:  driver,
		logger:  logger.Named("compute"),
		inOrder: true,
		getwd:   os.Getwd,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.initialize(selections); err != nil {
		if releaseErr := m.releaseDevices(); releaseErr != nil {
			m.logger.Warn("Releasing partially initialized devices failed", zap.Error(releaseErr))
		}
		claims.Delete(driver)
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize(selections []Selection) error {
	records, err := Enumerate(m.driver)
	if err != nil {
		m.logger.Error("Failed to identify platforms. Problem with installation/drivers?",
			zap.String("driver", m.driver.Name()), zap.Error(err))
		return err
	}
	m.platforms = records
	m.logger.Info("Found platforms", zap.String("driver", m.driver.Name()), zap.Int("count", len(records)))

	wanted := make(map[Selection]bool, len(selections))
	for _, s := range selections {
		wanted[s] = true
	}

	type match struct {
		sel    Selection
		handle DeviceHandle
		info   DeviceInfo
	}
	var matched []match
	for _, rec := range records {
		m.logger.Info("Platform",
			zap.Int("index", rec.Index),
			zap.String("name", rec.Info.Name),
			zap.String("vendor", rec.Info.Vendor))
		if rec.Err != nil {
			m.logger.Error("Error querying platform for devices", zap.Int("platform", rec.Index), zap.Error(rec.Err))
			continue
		}
		m.logger.Info("Platform devices", zap.Int("platform", rec.Index), zap.Int("count", len(rec.handles)))
		for j, h := range rec.handles {
			info := rec.Devices[j]
			sel := Selection{Platform: rec.Index, Device: j}
			m.logger.Info("Device", zap.Stringer("id", sel), zap.Stringer("info", info))
			if wanted[sel] {
				matched = append(matched, match{sel: sel, handle: h, info: info})
				delete(wanted, sel)
			}
		}
	}

	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for _, s := range selections {
			if wanted[s] {
				missing = append(missing, s.String())
			}
		}
		warning := fmt.Sprintf("some selected devices not found: %s", strings.Join(missing, ", "))
		m.warnings = append(m.warnings, warning)
		metrics.SelectionWarnings.Inc()
		m.logger.Warn("Some selected devices not found", zap.Strings("missing", missing))
	}
	if len(matched) == 0 {
		m.logger.Error("No devices found")
		return ErrNoDevices
	}
	if len(matched) > MaxDevices {
		return fmt.Errorf("%w: %d matched, at most %d allowed", ErrTooManyDevices, len(matched), MaxDevices)
	}

	for i, mt := range matched {
		dev := &Device{
			Index:     i,
			Selection: mt.sel,
			Name:      fmt.Sprintf("%s: %s", mt.sel, mt.info.Name),
			Info:      mt.info,
		}
		m.devices = append(m.devices, dev)
		m.logger.Info("Preparing context", zap.String("device", dev.Name))

		ctx, err := mt.handle.CreateContext()
		if err != nil {
			return Check(err, dev.Name, "context creation")
		}
		dev.Context = ctx
		for q := 0; q < QueuesPerDevice; q++ {
			queue, err := ctx.CreateQueue(m.inOrder)
			if err != nil {
				return Check(err, dev.Name, "command queue creation")
			}
			dev.queues = append(dev.queues, queue)
		}
	}

	metrics.DevicesActive.Set(float64(len(m.devices)))
	m.logger.Info("Compute initialization successful", zap.Int("devices", len(m.devices)))
	return nil
}

// Devices returns the selected devices in discovery order.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, len(m.devices))
	copy(out, m.devices)
	return out
}

// Device returns the i-th selected device.
func (m *Manager) Device(i int) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return nil, fmt.Errorf("%w: device %d out of range [0, %d)", ErrInvalidArgument, i, len(m.devices))
	}
	return m.devices[i], nil
}

// Platforms returns the inventory enumerated during initialization.
func (m *Manager) Platforms() []PlatformRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlatformRecord, len(m.platforms))
	copy(out, m.platforms)
	return out
}

// Warnings returns the non-fatal conditions recorded during initialization.
func (m *Manager) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// Attach registers a dependent that borrows the manager's devices. Every
// successful Attach must be paired with Detach.
func (m *Manager) Attach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	m.borrowers++
	return nil
}

// Detach ends a borrow started by Attach.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.borrowers > 0 {
		m.borrowers--
	}
}

// Shutdown releases the queues and context of every device and frees the
// driver for a new Manager. It fails while dependents are still attached.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if m.borrowers > 0 {
		return fmt.Errorf("%w: %d dependent(s) still attached", ErrInUse, m.borrowers)
	}
	m.logger.Info("Cleaning compute devices", zap.Int("devices", len(m.devices)))
	err := m.releaseDevices()
	m.closed = true
	claims.Delete(m.driver)
	metrics.DevicesActive.Set(0)
	return err
}

func (m *Manager) releaseDevices() error {
	var err error
	for _, dev := range m.devices {
		err = multierr.Append(err, dev.release())
	}
	m.devices = nil
	return err
}
