package dispatch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// task is a queued unit of work. run never panics; reject fails the task's handle when the
// dispatcher closes before the task could run.
type task struct {
	run    func()
	reject func(error)
}

// affinityLoop is a FIFO queue drained by exactly one goroutine.
type affinityLoop struct {
	// goid of the goroutine running the loop, 0 when no goroutine runs it.
	goid    atomic.Uint64
	started atomic.Bool

	mu      sync.Mutex
	queue   []task
	busy    bool
	closing bool
	idle    []chan struct{}

	wake chan struct{}
	done chan struct{}

	onDepth func(int)
}

func newAffinityLoop(onDepth func(int)) *affinityLoop {
	return &affinityLoop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onDepth: onDepth,
	}
}

// isLoopGoroutine reports whether the caller is the goroutine running the loop.
func (l *affinityLoop) isLoopGoroutine() bool {
	id := l.goid.Load()
	return id != 0 && id == goroutineID()
}

// enqueue appends t to the queue. Tasks are executed in enqueue order.
func (l *affinityLoop) enqueue(t task) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, t)
	depth := len(l.queue)
	l.mu.Unlock()

	l.onDepth(depth)
	l.signal()
	return nil
}

func (l *affinityLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// pop removes the head of the queue. When the queue is empty and markIdle is set, the loop is
// recorded as idle and idle waiters are released.
func (l *affinityLoop) pop(markIdle bool) (task, bool) {
	l.mu.Lock()
	if len(l.queue) == 0 {
		if markIdle {
			l.busy = false
			for _, ch := range l.idle {
				close(ch)
			}
			l.idle = nil
		}
		l.mu.Unlock()
		return task{}, false
	}
	t := l.queue[0]
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	if markIdle {
		l.busy = true
	}
	depth := len(l.queue)
	l.mu.Unlock()

	l.onDepth(depth)
	return t, true
}

// run drains the queue on the calling goroutine until ctx is done or close is called, then runs
// the tasks still queued and returns. onReady is called once the goroutine is recorded.
func (l *affinityLoop) run(ctx context.Context, onReady func()) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.goid.Store(goroutineID())
	onReady()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)
	defer l.goid.Store(0)

	for {
		if t, ok := l.pop(true); ok {
			t.run()
			continue
		}

		l.mu.Lock()
		closing, pending := l.closing, len(l.queue)
		l.mu.Unlock()
		if pending > 0 {
			continue
		}
		if closing {
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.close()
		}
	}
}

// drainInline runs queued tasks on the loop goroutine from inside a running task until the queue
// is empty.
func (l *affinityLoop) drainInline() {
	for {
		t, ok := l.pop(false)
		if !ok {
			return
		}
		t.run()
	}
}

// waitIdle blocks until the loop has no queued task and is not executing one.
func (l *affinityLoop) waitIdle(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy && len(l.queue) == 0 {
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.idle = append(l.idle, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting tasks. A running loop drains what is queued and exits.
func (l *affinityLoop) close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.signal()
}

// rejectPending fails every queued task. Used when the loop never ran.
func (l *affinityLoop) rejectPending(err error) {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	for _, ch := range l.idle {
		close(ch)
	}
	l.idle = nil
	l.mu.Unlock()

	l.onDepth(0)
	for _, t := range pending {
		t.reject(err)
	}
}

func (l *affinityLoop) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
