package host

import (
	"github.com/fxnlabs/clstp/kernels"
)

// KernelFunc prepares one launch from its resolved arguments (int32, float32
// or []float32 views of buffers) and returns the body run for every work item.
type KernelFunc func(args []any) (func(gid int), error)

type kernelDef struct {
	arity int
	fn    KernelFunc
}

// Library maps source unit names to the entry points they export.
type Library struct {
	sources map[string]map[string]kernelDef
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{sources: make(map[string]map[string]kernelDef)}
}

// DefaultLibrary exports basicSTP from kernels.STPFile.
func DefaultLibrary() *Library {
	lib := NewLibrary()
	lib.Register(kernels.STPFile, kernels.BasicSTPEntry, 3, kernels.BasicSTP)
	return lib
}

// Register adds an entry point with the given argument count to source.
func (l *Library) Register(source, entry string, arity int, fn KernelFunc) {
	entries, ok := l.sources[source]
	if !ok {
		entries = make(map[string]kernelDef)
		l.sources[source] = entries
	}
	entries[entry] = kernelDef{arity: arity, fn: fn}
}

func (l *Library) lookup(source string) (map[string]kernelDef, bool) {
	entries, ok := l.sources[source]
	return entries, ok
}
