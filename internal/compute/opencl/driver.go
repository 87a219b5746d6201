//go:build opencl

// Package opencl binds compute.Driver to the system OpenCL ICD loader.
// Build with '-tags opencl' and an OpenCL 1.2 capable libOpenCL.
package opencl

/*
#cgo !darwin LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#include <stdlib.h>
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
*/
import "C"

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/fxnlabs/clstp/internal/compute"
)

func status(s C.cl_int) error {
	if s == C.CL_SUCCESS {
		return nil
	}
	return compute.Status(int32(s))
}

// Driver enumerates the platforms visible through the ICD loader.
type Driver struct{}

// New returns the OpenCL driver.
func New() (*Driver, error) {
	return &Driver{}, nil
}

func (d *Driver) Name() string {
	return "opencl"
}

func (d *Driver) Platforms(max int) ([]compute.Platform, error) {
	if max <= 0 {
		return nil, compute.StatusInvalidValue
	}
	ids := make([]C.cl_platform_id, max)
	var count C.cl_uint
	if err := status(C.clGetPlatformIDs(C.cl_uint(max), &ids[0], &count)); err != nil {
		return nil, err
	}
	n := min(int(count), max)
	out := make([]compute.Platform, 0, n)
	for _, id := range ids[:n] {
		info := compute.PlatformInfo{
			Name:    platformString(id, C.CL_PLATFORM_NAME),
			Vendor:  platformString(id, C.CL_PLATFORM_VENDOR),
			Version: platformString(id, C.CL_PLATFORM_VERSION),
		}
		out = append(out, &platform{id: id, info: info})
	}
	return out, nil
}

type platform struct {
	id   C.cl_platform_id
	info compute.PlatformInfo
}

func (p *platform) Info() compute.PlatformInfo {
	return p.info
}

func (p *platform) Devices(max int) ([]compute.DeviceHandle, error) {
	if max <= 0 {
		return nil, compute.StatusInvalidValue
	}
	ids := make([]C.cl_device_id, max)
	var count C.cl_uint
	if err := status(C.clGetDeviceIDs(p.id, C.CL_DEVICE_TYPE_ALL, C.cl_uint(max), &ids[0], &count)); err != nil {
		return nil, err
	}
	n := min(int(count), max)
	out := make([]compute.DeviceHandle, 0, n)
	for _, id := range ids[:n] {
		info, err := deviceInfo(id)
		if err != nil {
			return nil, err
		}
		out = append(out, &deviceHandle{id: id, info: info})
	}
	return out, nil
}

func deviceInfo(id C.cl_device_id) (compute.DeviceInfo, error) {
	var kind C.cl_device_type
	if err := status(C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(kind)), unsafe.Pointer(&kind), nil)); err != nil {
		return compute.DeviceInfo{}, err
	}
	var maxAlloc, globalMem C.cl_ulong
	if err := status(C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_MEM_ALLOC_SIZE, C.size_t(unsafe.Sizeof(maxAlloc)), unsafe.Pointer(&maxAlloc), nil)); err != nil {
		return compute.DeviceInfo{}, err
	}
	if err := status(C.clGetDeviceInfo(id, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(globalMem)), unsafe.Pointer(&globalMem), nil)); err != nil {
		return compute.DeviceInfo{}, err
	}
	var wg C.size_t
	if err := status(C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(wg)), unsafe.Pointer(&wg), nil)); err != nil {
		return compute.DeviceInfo{}, err
	}
	return compute.DeviceInfo{
		Name:             deviceString(id, C.CL_DEVICE_NAME),
		Vendor:           deviceString(id, C.CL_DEVICE_VENDOR),
		Kind:             mapKind(kind),
		MaxAllocSize:     uint64(maxAlloc),
		GlobalMemSize:    uint64(globalMem),
		MaxWorkGroupSize: int(wg),
	}, nil
}

func mapKind(kind C.cl_device_type) compute.DeviceKind {
	switch {
	case kind&C.CL_DEVICE_TYPE_GPU != 0:
		return compute.KindGPU
	case kind&C.CL_DEVICE_TYPE_CPU != 0:
		return compute.KindCPU
	case kind&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return compute.KindAccelerator
	default:
		return compute.KindOther
	}
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	if C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func deviceString(id C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	if C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func trimNull(buf []byte) string {
	if n := len(buf); n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	return string(buf)
}

type deviceHandle struct {
	id   C.cl_device_id
	info compute.DeviceInfo
}

func (h *deviceHandle) Info() compute.DeviceInfo {
	return h.info
}

func (h *deviceHandle) CreateContext() (compute.Context, error) {
	var s C.cl_int
	ctx := C.clCreateContext(nil, 1, &h.id, nil, nil, &s)
	if err := status(s); err != nil {
		return nil, err
	}
	return &context{id: ctx, device: h.id}, nil
}

type context struct {
	id     C.cl_context
	device C.cl_device_id
}

func (c *context) CreateQueue(inOrder bool) (compute.Queue, error) {
	var props C.cl_command_queue_properties
	if !inOrder {
		props = C.CL_QUEUE_OUT_OF_ORDER_EXEC_MODE_ENABLE
	}
	var s C.cl_int
	q := C.clCreateCommandQueue(c.id, c.device, props, &s)
	if err := status(s); err != nil {
		return nil, err
	}
	return &queue{ctx: c, id: q, inOrder: inOrder}, nil
}

func (c *context) CreateBuffer(size int) (compute.Buffer, error) {
	if size <= 0 {
		return nil, compute.StatusInvalidBufferSize
	}
	var s C.cl_int
	mem := C.clCreateBuffer(c.id, C.CL_MEM_READ_WRITE, C.size_t(size), nil, &s)
	if err := status(s); err != nil {
		return nil, err
	}
	return &buffer{ctx: c, id: mem, size: size}, nil
}

func (c *context) CreateProgram(source string) (compute.Program, error) {
	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))
	length := C.size_t(len(source))
	var s C.cl_int
	prog := C.clCreateProgramWithSource(c.id, 1, &src, &length, &s)
	if err := status(s); err != nil {
		return nil, err
	}
	return &program{ctx: c, id: prog}, nil
}

func (c *context) CreateUserEvent() (compute.UserEvent, error) {
	var s C.cl_int
	ev := C.clCreateUserEvent(c.id, &s)
	if err := status(s); err != nil {
		return nil, err
	}
	return &userEvent{event: event{id: ev}}, nil
}

func (c *context) Release() error {
	return status(C.clReleaseContext(c.id))
}

type buffer struct {
	ctx  *context
	id   C.cl_mem
	size int
}

func (b *buffer) Size() int {
	return b.size
}

func (b *buffer) Release() error {
	return status(C.clReleaseMemObject(b.id))
}

type program struct {
	ctx *context
	id  C.cl_program
}

func (p *program) Build(options string) error {
	opts := C.CString(options)
	defer C.free(unsafe.Pointer(opts))
	return status(C.clBuildProgram(p.id, 1, &p.ctx.device, opts, nil, nil))
}

func (p *program) BuildStatus() compute.BuildStatus {
	var bs C.cl_build_status
	if C.clGetProgramBuildInfo(p.id, p.ctx.device, C.CL_PROGRAM_BUILD_STATUS, C.size_t(unsafe.Sizeof(bs)), unsafe.Pointer(&bs), nil) != C.CL_SUCCESS {
		return compute.BuildStatusError
	}
	return compute.BuildStatus(int32(bs))
}

func (p *program) BuildLog() string {
	var size C.size_t
	if C.clGetProgramBuildInfo(p.id, p.ctx.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	if C.clGetProgramBuildInfo(p.id, p.ctx.device, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func (p *program) CreateKernel(name string) (compute.Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var s C.cl_int
	k := C.clCreateKernel(p.id, cname, &s)
	if err := status(s); err != nil {
		return nil, err
	}
	return &kernel{id: k, name: name}, nil
}

func (p *program) Release() error {
	return status(C.clReleaseProgram(p.id))
}

type kernel struct {
	id   C.cl_kernel
	name string
}

func (k *kernel) Name() string {
	return k.name
}

func (k *kernel) SetArg(index int, value any) error {
	switch v := value.(type) {
	case int32:
		arg := C.cl_int(v)
		return status(C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(arg)), unsafe.Pointer(&arg)))
	case float32:
		arg := C.cl_float(v)
		return status(C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(arg)), unsafe.Pointer(&arg)))
	case *buffer:
		mem := v.id
		return status(C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem)))
	case compute.Buffer:
		return compute.StatusInvalidMemObject
	default:
		return compute.StatusInvalidArgValue
	}
}

func (k *kernel) Release() error {
	return status(C.clReleaseKernel(k.id))
}

type queue struct {
	ctx     *context
	id      C.cl_command_queue
	inOrder bool
}

func (q *queue) InOrder() bool {
	return q.inOrder
}

func (q *queue) mem(buf compute.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b == nil || b.ctx != q.ctx {
		return nil, compute.StatusInvalidMemObject
	}
	return b, nil
}

// Host memory owned by Go may not be retained by the platform past the call,
// so only blocking transfers are supported.
func (q *queue) WriteBuffer(buf compute.Buffer, offset int, src []float32, blocking bool) error {
	b, err := q.mem(buf)
	if err != nil {
		return err
	}
	if !blocking || len(src) == 0 {
		return compute.StatusInvalidValue
	}
	return status(C.clEnqueueWriteBuffer(q.id, b.id, C.CL_TRUE,
		C.size_t(offset*4), C.size_t(len(src)*4), unsafe.Pointer(&src[0]), 0, nil, nil))
}

func (q *queue) ReadBuffer(buf compute.Buffer, offset int, dst []float32, blocking bool, waitFor []compute.Event, signal bool) (compute.Event, error) {
	b, err := q.mem(buf)
	if err != nil {
		return nil, err
	}
	if !blocking || len(dst) == 0 {
		return nil, compute.StatusInvalidValue
	}
	wait, err := waitList(waitFor)
	if err != nil {
		return nil, err
	}
	var ev C.cl_event
	var out *C.cl_event
	if signal {
		out = &ev
	}
	if err := status(C.clEnqueueReadBuffer(q.id, b.id, C.CL_TRUE,
		C.size_t(offset*4), C.size_t(len(dst)*4), unsafe.Pointer(&dst[0]),
		C.cl_uint(len(wait)), eventPtr(wait), out)); err != nil {
		return nil, err
	}
	if !signal {
		return nil, nil
	}
	return &event{id: ev}, nil
}

func (q *queue) EnqueueKernel(k compute.Kernel, global, local int, waitFor []compute.Event, signal bool) (compute.Event, error) {
	kern, ok := k.(*kernel)
	if !ok || kern == nil {
		return nil, compute.StatusInvalidKernel
	}
	wait, err := waitList(waitFor)
	if err != nil {
		return nil, err
	}
	gws := C.size_t(global)
	lws := C.size_t(local)
	var ev C.cl_event
	var out *C.cl_event
	if signal {
		out = &ev
	}
	if err := status(C.clEnqueueNDRangeKernel(q.id, kern.id, 1, nil, &gws, &lws,
		C.cl_uint(len(wait)), eventPtr(wait), out)); err != nil {
		return nil, err
	}
	if !signal {
		return nil, nil
	}
	return &event{id: ev}, nil
}

func (q *queue) Finish() error {
	return status(C.clFinish(q.id))
}

func (q *queue) Release() error {
	return status(C.clReleaseCommandQueue(q.id))
}

func waitList(events []compute.Event) ([]C.cl_event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]C.cl_event, 0, len(events))
	for _, ev := range events {
		switch e := ev.(type) {
		case *event:
			out = append(out, e.id)
		case *userEvent:
			out = append(out, e.id)
		default:
			return nil, fmt.Errorf("%w: foreign event %T", compute.StatusInvalidEventWaitList, ev)
		}
	}
	return out, nil
}

func eventPtr(events []C.cl_event) *C.cl_event {
	if len(events) == 0 {
		return nil
	}
	return &events[0]
}

type event struct {
	id       C.cl_event
	released atomic.Bool
}

func (e *event) Wait() error {
	if e.released.Load() {
		return compute.StatusInvalidEvent
	}
	return status(C.clWaitForEvents(1, &e.id))
}

func (e *event) Release() error {
	if !e.released.CompareAndSwap(false, true) {
		return compute.StatusInvalidEvent
	}
	return status(C.clReleaseEvent(e.id))
}

type userEvent struct {
	event
}

func (u *userEvent) Complete() error {
	return status(C.clSetUserEventStatus(u.id, C.CL_COMPLETE))
}
