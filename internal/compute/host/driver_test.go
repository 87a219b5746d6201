package host

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/fxnlabs/clstp/internal/compute"
	"github.com/fxnlabs/clstp/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T, d *Driver) compute.Context {
	t.Helper()
	platforms, err := d.Platforms(1)
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	devices, err := platforms[0].Devices(1)
	require.NoError(t, err)
	ctx, err := devices[0].CreateContext()
	require.NoError(t, err)
	return ctx
}

func TestDriver_Defaults(t *testing.T) {
	d := NewDriver()
	assert.Equal(t, "host", d.Name())

	platforms, err := d.Platforms(8)
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, "Go host", platforms[0].Info().Name)

	devices, err := platforms[0].Devices(8)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	info := devices[0].Info()
	assert.Equal(t, compute.KindCPU, info.Kind)
	assert.Equal(t, uint64(defaultMemory), info.GlobalMemSize)
	assert.Equal(t, defaultMaxWorkGroupSize, info.MaxWorkGroupSize)

	_, err = d.Platforms(0)
	assert.ErrorIs(t, err, compute.StatusInvalidValue)
	_, err = platforms[0].Devices(0)
	assert.ErrorIs(t, err, compute.StatusInvalidValue)
	assert.Zero(t, d.Live())
}

func TestContext_Buffers(t *testing.T) {
	d := NewDriver(WithPlatforms(PlatformSpec{
		Name:    "tiny",
		Devices: []DeviceSpec{{Name: "tiny", Kind: "cpu", MemoryMB: 1}},
	}))
	ctx := newContext(t, d)

	_, err := ctx.CreateBuffer(0)
	assert.ErrorIs(t, err, compute.StatusInvalidBufferSize)
	_, err = ctx.CreateBuffer(2 << 20)
	assert.ErrorIs(t, err, compute.StatusInvalidBufferSize)

	a, err := ctx.CreateBuffer(768 << 10)
	require.NoError(t, err)
	_, err = ctx.CreateBuffer(512 << 10)
	assert.ErrorIs(t, err, compute.StatusMemObjectAllocation)

	require.NoError(t, a.Release())
	assert.ErrorIs(t, a.Release(), compute.StatusInvalidMemObject)
	b, err := ctx.CreateBuffer(512 << 10)
	require.NoError(t, err)
	assert.Equal(t, 512<<10, b.Size())
	require.NoError(t, b.Release())

	require.NoError(t, ctx.Release())
	assert.ErrorIs(t, ctx.Release(), compute.StatusInvalidContext)
	_, err = ctx.CreateBuffer(4)
	assert.ErrorIs(t, err, compute.StatusInvalidContext)
	assert.Zero(t, d.Live())
}

func TestQueue_Transfers(t *testing.T) {
	for _, inOrder := range []bool{true, false} {
		name := "out-of-order"
		if inOrder {
			name = "in-order"
		}
		t.Run(name, func(t *testing.T) {
			d := NewDriver()
			ctx := newContext(t, d)
			q, err := ctx.CreateQueue(inOrder)
			require.NoError(t, err)
			assert.Equal(t, inOrder, q.InOrder())
			buf, err := ctx.CreateBuffer(16)
			require.NoError(t, err)

			require.NoError(t, q.WriteBuffer(buf, 0, []float32{1, 2, 3, 4}, true))
			require.NoError(t, q.WriteBuffer(buf, 2, []float32{7}, true))

			dst := make([]float32, 4)
			ev, err := q.ReadBuffer(buf, 0, dst, true, nil, true)
			require.NoError(t, err)
			require.NoError(t, ev.Wait())
			assert.Equal(t, []float32{1, 2, 7, 4}, dst)
			require.NoError(t, ev.Release())
			assert.ErrorIs(t, ev.Release(), compute.StatusInvalidEvent)
			assert.ErrorIs(t, ev.Wait(), compute.StatusInvalidEvent)

			_, err = q.ReadBuffer(buf, 3, make([]float32, 2), true, nil, false)
			assert.ErrorIs(t, err, compute.StatusInvalidValue)
			assert.ErrorIs(t, q.WriteBuffer(buf, -1, []float32{1}, true), compute.StatusInvalidValue)
			assert.ErrorIs(t, q.WriteBuffer(buf, 0, nil, true), compute.StatusInvalidValue)

			require.NoError(t, q.Finish())
			require.NoError(t, buf.Release())
			assert.ErrorIs(t, q.WriteBuffer(buf, 0, []float32{1}, true), compute.StatusInvalidMemObject)

			require.NoError(t, q.Release())
			assert.ErrorIs(t, q.Release(), compute.StatusInvalidCommandQueue)
			require.NoError(t, ctx.Release())
			assert.Zero(t, d.Live())
		})
	}
}

func TestQueue_NonBlockingWriteSnapshotsSource(t *testing.T) {
	d := NewDriver()
	ctx := newContext(t, d)
	q, err := ctx.CreateQueue(true)
	require.NoError(t, err)
	buf, err := ctx.CreateBuffer(8)
	require.NoError(t, err)

	src := []float32{5, 6}
	require.NoError(t, q.WriteBuffer(buf, 0, src, false))
	src[0] = -1

	dst := make([]float32, 2)
	_, err = q.ReadBuffer(buf, 0, dst, true, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, dst)

	require.NoError(t, buf.Release())
	require.NoError(t, q.Release())
	require.NoError(t, ctx.Release())
	assert.Zero(t, d.Live())
}

func TestQueue_ForeignObjects(t *testing.T) {
	d := NewDriver()
	ctxA := newContext(t, d)
	ctxB := newContext(t, d)
	q, err := ctxA.CreateQueue(true)
	require.NoError(t, err)
	foreign, err := ctxB.CreateBuffer(4)
	require.NoError(t, err)

	assert.ErrorIs(t, q.WriteBuffer(foreign, 0, []float32{1}, true), compute.StatusInvalidMemObject)

	program, err := ctxB.CreateProgram(`#include "` + kernels.STPFile + `"`)
	require.NoError(t, err)
	require.NoError(t, program.Build(""))
	kernel, err := program.CreateKernel(kernels.BasicSTPEntry)
	require.NoError(t, err)
	require.NoError(t, kernel.SetArg(2, foreign))
	_, err = q.EnqueueKernel(kernel, 256, 256, nil, false)
	assert.ErrorIs(t, err, compute.StatusInvalidKernel)

	otherQueue, err := ctxB.CreateQueue(true)
	require.NoError(t, err)
	_, err = otherQueue.ReadBuffer(foreign, 0, make([]float32, 1), true, []compute.Event{nil}, false)
	assert.ErrorIs(t, err, compute.StatusInvalidEventWaitList)

	for _, release := range []func() error{
		kernel.Release, program.Release, foreign.Release, otherQueue.Release, q.Release, ctxB.Release, ctxA.Release,
	} {
		require.NoError(t, release())
	}
	assert.Zero(t, d.Live())
}

func TestProgram_Build(t *testing.T) {
	d := NewDriver()
	ctx := newContext(t, d)
	defer ctx.Release()

	_, err := ctx.CreateProgram("   ")
	assert.ErrorIs(t, err, compute.StatusInvalidValue)

	t.Run("no kernel before build", func(t *testing.T) {
		program, err := ctx.CreateProgram(`#include "stp.cl"`)
		require.NoError(t, err)
		defer program.Release()
		assert.Equal(t, compute.BuildStatusNone, program.BuildStatus())
		_, err = program.CreateKernel(kernels.BasicSTPEntry)
		assert.ErrorIs(t, err, compute.StatusInvalidProgramExecutable)
	})

	t.Run("source text is rejected", func(t *testing.T) {
		program, err := ctx.CreateProgram("// header\n__kernel void f() {}\n")
		require.NoError(t, err)
		defer program.Release()
		assert.ErrorIs(t, program.Build("-w"), compute.StatusBuildProgramFailure)
		assert.Equal(t, compute.BuildStatusError, program.BuildStatus())
		assert.Contains(t, program.BuildLog(), "<source>:2:1: error")
	})

	t.Run("registered library", func(t *testing.T) {
		lib := NewLibrary()
		lib.Register("fill.cl", "fill", 2, fillKernel)
		ld := NewDriver(WithLibrary(lib))
		lctx := newContext(t, ld)
		defer lctx.Release()

		program, err := lctx.CreateProgram(`#include "fill.cl"`)
		require.NoError(t, err)
		defer program.Release()
		require.NoError(t, program.Build("-I./"))
		fill, err := program.CreateKernel("fill")
		require.NoError(t, err)
		defer fill.Release()

		other, err := lctx.CreateProgram(`#include "stp.cl"`)
		require.NoError(t, err)
		defer other.Release()
		assert.ErrorIs(t, other.Build(""), compute.StatusBuildProgramFailure)
	})
}

// fillKernel writes value into every element of its buffer.
func fillKernel(args []any) (func(gid int), error) {
	value, ok := args[0].(float32)
	if !ok {
		return nil, errors.New("fill: argument 0 must be float32")
	}
	buf, ok := args[1].([]float32)
	if !ok {
		return nil, errors.New("fill: argument 1 must be a buffer")
	}
	return func(gid int) {
		if gid < len(buf) {
			buf[gid] = value
		}
	}, nil
}

func TestKernel_Launch(t *testing.T) {
	lib := DefaultLibrary()
	lib.Register("fill.cl", "fill", 2, fillKernel)
	var panics atomic.Int32
	lib.Register("fill.cl", "explode", 1, func(args []any) (func(int), error) {
		return func(gid int) {
			if gid == 3 {
				panics.Add(1)
				panic("boom")
			}
		}, nil
	})
	d := NewDriver(WithLibrary(lib), WithWorkers(2))
	ctx := newContext(t, d)
	q, err := ctx.CreateQueue(true)
	require.NoError(t, err)
	buf, err := ctx.CreateBuffer(64 * 4)
	require.NoError(t, err)

	program, err := ctx.CreateProgram(`#include "fill.cl"`)
	require.NoError(t, err)
	require.NoError(t, program.Build(""))
	fill, err := program.CreateKernel("fill")
	require.NoError(t, err)

	t.Run("argument validation", func(t *testing.T) {
		assert.ErrorIs(t, fill.SetArg(2, float32(1)), compute.StatusInvalidArgIndex)
		assert.ErrorIs(t, fill.SetArg(0, 1.5), compute.StatusInvalidArgValue)
		_, err := q.EnqueueKernel(fill, 64, 32, nil, false)
		assert.ErrorIs(t, err, compute.StatusInvalidKernelArgs)
	})

	require.NoError(t, fill.SetArg(0, float32(3)))
	require.NoError(t, fill.SetArg(1, buf))

	t.Run("work sizes", func(t *testing.T) {
		_, err := q.EnqueueKernel(fill, 0, 32, nil, false)
		assert.ErrorIs(t, err, compute.StatusInvalidGlobalWorkSize)
		_, err = q.EnqueueKernel(fill, 64, 0, nil, false)
		assert.ErrorIs(t, err, compute.StatusInvalidWorkGroupSize)
		_, err = q.EnqueueKernel(fill, 64, 48, nil, false)
		assert.ErrorIs(t, err, compute.StatusInvalidWorkGroupSize)
		_, err = q.EnqueueKernel(fill, 2048, 2048, nil, false)
		assert.ErrorIs(t, err, compute.StatusInvalidWorkGroupSize)
	})

	t.Run("arguments are captured at enqueue", func(t *testing.T) {
		ev, err := q.EnqueueKernel(fill, 64, 16, nil, true)
		require.NoError(t, err)
		require.NoError(t, fill.SetArg(0, float32(9)))
		require.NoError(t, ev.Wait())
		require.NoError(t, ev.Release())

		dst := make([]float32, 64)
		_, err = q.ReadBuffer(buf, 0, dst, true, nil, false)
		require.NoError(t, err)
		for i, v := range dst {
			require.Equal(t, float32(3), v, "element %d", i)
		}
	})

	t.Run("failure poisons the queue until Finish", func(t *testing.T) {
		explode, err := program.CreateKernel("explode")
		require.NoError(t, err)
		defer explode.Release()
		require.NoError(t, explode.SetArg(0, int32(0)))

		ev, err := q.EnqueueKernel(explode, 8, 4, nil, true)
		require.NoError(t, err)
		assert.ErrorIs(t, ev.Wait(), compute.StatusOutOfResources)
		require.NoError(t, ev.Release())

		_, err = q.ReadBuffer(buf, 0, make([]float32, 1), true, nil, false)
		assert.ErrorIs(t, err, compute.StatusOutOfResources)

		assert.ErrorIs(t, q.Finish(), compute.StatusOutOfResources)
		require.NoError(t, q.Finish())
		_, err = q.ReadBuffer(buf, 0, make([]float32, 1), true, nil, false)
		require.NoError(t, err)
		assert.Equal(t, int32(1), panics.Load())
	})

	t.Run("released buffer argument", func(t *testing.T) {
		scratch, err := ctx.CreateBuffer(4)
		require.NoError(t, err)
		require.NoError(t, scratch.Release())
		assert.ErrorIs(t, fill.SetArg(1, scratch), compute.StatusInvalidMemObject)
	})

	require.NoError(t, fill.Release())
	assert.ErrorIs(t, fill.Release(), compute.StatusInvalidKernel)
	require.NoError(t, program.Release())
	require.NoError(t, buf.Release())
	require.NoError(t, q.Release())
	require.NoError(t, ctx.Release())
	assert.Zero(t, d.Live())
}

func TestQueue_OutOfOrderEvents(t *testing.T) {
	d := NewDriver()
	ctx := newContext(t, d)
	q, err := ctx.CreateQueue(false)
	require.NoError(t, err)
	buf, err := ctx.CreateBuffer(4)
	require.NoError(t, err)

	gate, err := ctx.CreateUserEvent()
	require.NoError(t, err)

	dst := make([]float32, 1)
	read, err := q.ReadBuffer(buf, 0, dst, false, []compute.Event{gate}, true)
	require.NoError(t, err)

	require.NoError(t, q.WriteBuffer(buf, 0, []float32{42}, true))
	require.NoError(t, gate.Complete())
	assert.ErrorIs(t, gate.Complete(), compute.StatusInvalidOperation)

	require.NoError(t, read.Wait())
	assert.Equal(t, []float32{42}, dst)

	require.NoError(t, read.Release())
	require.NoError(t, gate.Release())
	require.NoError(t, buf.Release())
	require.NoError(t, q.Release())
	require.NoError(t, ctx.Release())
	assert.Zero(t, d.Live())
}
