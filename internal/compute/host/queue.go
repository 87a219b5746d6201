package host

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/clstp/internal/compute"
	"golang.org/x/sync/errgroup"
)

type event struct {
	driver   *Driver
	tracked  bool
	done     chan struct{}
	once     sync.Once
	err      error
	released atomic.Bool
}

// newEvent creates an event. Tracked events are handed to callers and count
// towards Driver.Live until released.
func newEvent(d *Driver, tracked bool) *event {
	if tracked {
		d.live.Add(1)
	}
	return &event{driver: d, tracked: tracked, done: make(chan struct{})}
}

func (e *event) finish(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

func (e *event) wait() error {
	<-e.done
	return e.err
}

func (e *event) Wait() error {
	if e.released.Load() {
		return compute.StatusInvalidEvent
	}
	return e.wait()
}

func (e *event) Release() error {
	if !e.released.CompareAndSwap(false, true) {
		return compute.StatusInvalidEvent
	}
	if e.tracked {
		e.driver.live.Add(-1)
	}
	return nil
}

type userEvent struct {
	*event
	completed atomic.Bool
}

func (u *userEvent) Complete() error {
	if u.released.Load() {
		return compute.StatusInvalidEvent
	}
	if !u.completed.CompareAndSwap(false, true) {
		return compute.StatusInvalidOperation
	}
	u.finish(nil)
	return nil
}

type command struct {
	waitFor []*event
	run     func() error
	done    *event
	// barrier reports and clears an earlier failure instead of running.
	barrier bool
}

// queue executes commands on a single worker goroutine in submission order
// when inOrder is set. Otherwise every command runs on its own goroutine as
// soon as its wait list is satisfied.
type queue struct {
	ctx     *hostContext
	inOrder bool

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*command
	failed   error
	released bool
	inflight sync.WaitGroup
	stopped  chan struct{}
}

func newQueue(ctx *hostContext, inOrder bool) *queue {
	q := &queue{ctx: ctx, inOrder: inOrder, stopped: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	if inOrder {
		go q.loop()
	} else {
		close(q.stopped)
	}
	return q
}

func (q *queue) InOrder() bool {
	return q.inOrder
}

func (q *queue) loop() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.released {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		err := q.failed
		if cmd.barrier {
			q.failed = nil
		}
		q.mu.Unlock()

		// A failed command poisons every later command of an in-order queue
		// up to the next Finish, so no stage runs on the output of a failed one.
		if err == nil {
			err = execute(cmd)
			if err != nil {
				q.mu.Lock()
				if q.failed == nil {
					q.failed = err
				}
				q.mu.Unlock()
			}
		}
		cmd.done.finish(err)
	}
}

func execute(cmd *command) error {
	for _, ev := range cmd.waitFor {
		if err := ev.wait(); err != nil {
			return fmt.Errorf("%w: %v", compute.StatusExecStatusErrorForEvents, err)
		}
	}
	return cmd.run()
}

func (q *queue) submit(cmd *command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return compute.StatusInvalidCommandQueue
	}
	if q.inOrder {
		q.pending = append(q.pending, cmd)
		q.cond.Signal()
		return nil
	}
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		cmd.done.finish(execute(cmd))
	}()
	return nil
}

// enqueue submits run and, depending on blocking and signal, waits for it
// and returns its completion event.
func (q *queue) enqueue(run func() error, waitFor []compute.Event, blocking, signal bool) (compute.Event, error) {
	deps, err := q.waitList(waitFor)
	if err != nil {
		return nil, err
	}
	done := newEvent(q.ctx.driver, signal)
	if err := q.submit(&command{waitFor: deps, run: run, done: done}); err != nil {
		if signal {
			_ = done.Release()
		}
		return nil, err
	}
	if blocking {
		if err := done.wait(); err != nil {
			if signal {
				_ = done.Release()
			}
			return nil, err
		}
	}
	if !signal {
		return nil, nil
	}
	return done, nil
}

func (q *queue) waitList(events []compute.Event) ([]*event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	deps := make([]*event, 0, len(events))
	for _, ev := range events {
		switch e := ev.(type) {
		case *event:
			if e == nil || e.driver != q.ctx.driver {
				return nil, compute.StatusInvalidEventWaitList
			}
			deps = append(deps, e)
		case *userEvent:
			if e == nil || e.driver != q.ctx.driver {
				return nil, compute.StatusInvalidEventWaitList
			}
			deps = append(deps, e.event)
		default:
			return nil, compute.StatusInvalidEventWaitList
		}
	}
	return deps, nil
}

func (q *queue) buffer(buf compute.Buffer, offset, n int) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b == nil || b.ctx != q.ctx || b.released.Load() {
		return nil, compute.StatusInvalidMemObject
	}
	if n == 0 || offset < 0 || offset+n > len(b.data) {
		return nil, compute.StatusInvalidValue
	}
	return b, nil
}

func (q *queue) WriteBuffer(buf compute.Buffer, offset int, src []float32, blocking bool) error {
	b, err := q.buffer(buf, offset, len(src))
	if err != nil {
		return err
	}
	data := src
	if !blocking {
		data = make([]float32, len(src))
		copy(data, src)
	}
	_, err = q.enqueue(func() error {
		copy(b.data[offset:offset+len(data)], data)
		return nil
	}, nil, blocking, false)
	return err
}

func (q *queue) ReadBuffer(buf compute.Buffer, offset int, dst []float32, blocking bool, waitFor []compute.Event, signal bool) (compute.Event, error) {
	b, err := q.buffer(buf, offset, len(dst))
	if err != nil {
		return nil, err
	}
	return q.enqueue(func() error {
		copy(dst, b.data[offset:offset+len(dst)])
		return nil
	}, waitFor, blocking, signal)
}

func (q *queue) EnqueueKernel(k compute.Kernel, global, local int, waitFor []compute.Event, signal bool) (compute.Event, error) {
	kern, ok := k.(*kernel)
	if !ok || kern == nil || kern.ctx != q.ctx || kern.released.Load() {
		return nil, compute.StatusInvalidKernel
	}
	if global <= 0 {
		return nil, compute.StatusInvalidGlobalWorkSize
	}
	if local <= 0 || local > q.ctx.info.MaxWorkGroupSize || global%local != 0 {
		return nil, compute.StatusInvalidWorkGroupSize
	}
	args, err := kern.snapshot()
	if err != nil {
		return nil, err
	}
	workers := q.ctx.driver.workers
	return q.enqueue(func() error {
		return launch(kern, args, global, local, workers)
	}, waitFor, false, signal)
}

func launch(k *kernel, args []any, global, local, workers int) (err error) {
	resolved := make([]any, len(args))
	for i, arg := range args {
		if b, ok := arg.(*buffer); ok {
			if b.released.Load() {
				return compute.StatusInvalidMemObject
			}
			resolved[i] = b.data
			continue
		}
		resolved[i] = arg
	}
	body, err := k.def.fn(resolved)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", compute.StatusInvalidKernelArgs, k.name, err)
	}

	var eg errgroup.Group
	eg.SetLimit(workers)
	for g := range global / local {
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %s work-group %d: %v", compute.StatusOutOfResources, k.name, g, r)
				}
			}()
			for gid := g * local; gid < (g+1)*local; gid++ {
				body(gid)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Finish blocks until every submitted command has completed. On an in-order
// queue it returns the first failure since the previous Finish and clears it.
func (q *queue) Finish() error {
	if !q.inOrder {
		q.mu.Lock()
		released := q.released
		q.mu.Unlock()
		if released {
			return compute.StatusInvalidCommandQueue
		}
		q.inflight.Wait()
		return nil
	}
	done := newEvent(q.ctx.driver, false)
	if err := q.submit(&command{run: func() error { return nil }, done: done, barrier: true}); err != nil {
		return err
	}
	return done.wait()
}

func (q *queue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return compute.StatusInvalidCommandQueue
	}
	q.released = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.stopped
	q.inflight.Wait()
	q.ctx.driver.live.Add(-1)
	return nil
}
