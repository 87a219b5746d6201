package host

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/clstp/internal/compute"
)

type hostContext struct {
	driver *Driver
	info   compute.DeviceInfo

	mu        sync.Mutex
	allocated uint64
	released  bool
}

func (c *hostContext) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.released
}

func (c *hostContext) CreateQueue(inOrder bool) (compute.Queue, error) {
	if !c.alive() {
		return nil, compute.StatusInvalidContext
	}
	c.driver.live.Add(1)
	return newQueue(c, inOrder), nil
}

func (c *hostContext) CreateBuffer(size int) (compute.Buffer, error) {
	if size <= 0 || uint64(size) > c.info.MaxAllocSize {
		return nil, compute.StatusInvalidBufferSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, compute.StatusInvalidContext
	}
	if c.allocated+uint64(size) > c.info.GlobalMemSize {
		return nil, compute.StatusMemObjectAllocation
	}
	c.allocated += uint64(size)
	c.driver.live.Add(1)
	return &buffer{ctx: c, size: size, data: make([]float32, (size+3)/4)}, nil
}

func (c *hostContext) free(size int) {
	c.mu.Lock()
	c.allocated -= uint64(size)
	c.mu.Unlock()
}

func (c *hostContext) CreateProgram(source string) (compute.Program, error) {
	if !c.alive() {
		return nil, compute.StatusInvalidContext
	}
	if strings.TrimSpace(source) == "" {
		return nil, compute.StatusInvalidValue
	}
	c.driver.live.Add(1)
	return &program{ctx: c, source: source, status: compute.BuildStatusNone}, nil
}

func (c *hostContext) CreateUserEvent() (compute.UserEvent, error) {
	if !c.alive() {
		return nil, compute.StatusInvalidContext
	}
	return &userEvent{event: newEvent(c.driver, true)}, nil
}

func (c *hostContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return compute.StatusInvalidContext
	}
	c.released = true
	c.driver.live.Add(-1)
	return nil
}

type buffer struct {
	ctx      *hostContext
	size     int
	data     []float32
	released atomic.Bool
}

func (b *buffer) Size() int {
	return b.size
}

func (b *buffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return compute.StatusInvalidMemObject
	}
	b.ctx.free(b.size)
	b.ctx.driver.live.Add(-1)
	return nil
}

var includeDirective = regexp.MustCompile(`^\s*#\s*include\s+"([^"]+)"`)

// Flags accepted by the host compiler. Everything else is rejected the way a
// platform compiler rejects unknown options.
var buildFlagPrefixes = []string{"-I", "-D", "-w", "-W", "-g", "-O", "-cl-"}

type program struct {
	ctx    *hostContext
	source string

	mu       sync.Mutex
	status   compute.BuildStatus
	log      string
	entries  map[string]kernelDef
	released atomic.Bool
}

// Build resolves every `#include "name"` line of the source against the
// driver's kernel library. Other source text cannot be compiled on the host.
func (p *program) Build(options string) error {
	if p.released.Load() {
		return compute.StatusInvalidProgram
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var diagnostics []string
	for _, opt := range strings.Fields(options) {
		if !validBuildFlag(opt) {
			diagnostics = append(diagnostics, fmt.Sprintf("error: invalid build option '%s'", opt))
		}
	}
	if len(diagnostics) > 0 {
		p.status = compute.BuildStatusError
		p.log = strings.Join(diagnostics, "\n")
		return compute.StatusInvalidBuildOptions
	}

	entries := make(map[string]kernelDef)
	for i, line := range strings.Split(p.source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		match := includeDirective.FindStringSubmatch(line)
		if match == nil {
			diagnostics = append(diagnostics,
				fmt.Sprintf("<source>:%d:1: error: host platform only resolves #include directives", i+1))
			continue
		}
		defs, ok := p.ctx.driver.library.lookup(match[1])
		if !ok {
			diagnostics = append(diagnostics,
				fmt.Sprintf("<source>:%d:10: fatal error: '%s' file not found", i+1, match[1]))
			continue
		}
		for name, def := range defs {
			entries[name] = def
		}
	}
	if len(diagnostics) > 0 {
		p.status = compute.BuildStatusError
		p.log = strings.Join(diagnostics, "\n")
		return compute.StatusBuildProgramFailure
	}

	p.entries = entries
	p.status = compute.BuildStatusSuccess
	p.log = ""
	return nil
}

func validBuildFlag(opt string) bool {
	for _, prefix := range buildFlagPrefixes {
		if strings.HasPrefix(opt, prefix) {
			return true
		}
	}
	return false
}

func (p *program) BuildStatus() compute.BuildStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *program) BuildLog() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

func (p *program) CreateKernel(name string) (compute.Kernel, error) {
	if p.released.Load() {
		return nil, compute.StatusInvalidProgram
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != compute.BuildStatusSuccess {
		return nil, compute.StatusInvalidProgramExecutable
	}
	def, ok := p.entries[name]
	if !ok {
		return nil, compute.StatusInvalidKernelName
	}
	p.ctx.driver.live.Add(1)
	return &kernel{
		ctx:  p.ctx,
		name: name,
		def:  def,
		args: make([]any, def.arity),
		set:  make([]bool, def.arity),
	}, nil
}

func (p *program) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return compute.StatusInvalidProgram
	}
	p.ctx.driver.live.Add(-1)
	return nil
}

type kernel struct {
	ctx  *hostContext
	name string
	def  kernelDef

	mu       sync.Mutex
	args     []any
	set      []bool
	released atomic.Bool
}

func (k *kernel) Name() string {
	return k.name
}

func (k *kernel) SetArg(index int, value any) error {
	if k.released.Load() {
		return compute.StatusInvalidKernel
	}
	if index < 0 || index >= k.def.arity {
		return compute.StatusInvalidArgIndex
	}
	switch v := value.(type) {
	case int32, float32:
	case *buffer:
		if v.ctx != k.ctx || v.released.Load() {
			return compute.StatusInvalidMemObject
		}
	case compute.Buffer:
		return compute.StatusInvalidMemObject
	default:
		return compute.StatusInvalidArgValue
	}
	k.mu.Lock()
	k.args[index] = value
	k.set[index] = true
	k.mu.Unlock()
	return nil
}

// snapshot captures the current argument values for one launch.
func (k *kernel) snapshot() ([]any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, ok := range k.set {
		if !ok {
			return nil, compute.StatusInvalidKernelArgs
		}
	}
	args := make([]any, len(k.args))
	copy(args, k.args)
	return args, nil
}

func (k *kernel) Release() error {
	if !k.released.CompareAndSwap(false, true) {
		return compute.StatusInvalidKernel
	}
	k.ctx.driver.live.Add(-1)
	return nil
}
