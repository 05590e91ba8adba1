package dispatch

import (
	"context"
	"sync"
)

// Executor runs fire-and-forget functions on some goroutine.
// The dispatcher exposes one for the affinity goroutine and one for the background pool.
type Executor interface {
	Execute(fn func()) error
}

// Future is the completion handle of an asynchronous dispatch.
// It eventually holds the work's result or its *Failure.
type Future[T any] struct {
	done chan struct{}
	// exec runs continuations attached after completion.
	exec   Executor
	cancel context.CancelFunc
	// guard runs a continuation, recovering its panics.
	guard func(func())

	mu            sync.Mutex
	completed     bool
	value         T
	err           error
	continuations []continuation
}

// continuation is an attached callback. handoff marks callbacks that only pass the real one to an
// executor and so may be invoked from any goroutine.
type continuation struct {
	fn      func()
	handoff bool
}

func newFuture[T any](exec Executor, cancel context.CancelFunc) *Future[T] {
	return &Future[T]{
		done:   make(chan struct{}),
		exec:   exec,
		cancel: cancel,
	}
}

// complete stores the outcome and runs pending continuations on the calling goroutine.
// Only the first call has any effect.
func (f *Future[T]) complete(value T, err error) {
	f.settle(value, err, true)
}

// settle stores the outcome. Pending continuations that would run in place are dropped unless
// runInPlace is set; handoffs always run.
func (f *Future[T]) settle(value T, err error, runInPlace bool) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.value, f.err = value, err
	f.completed = true
	pending := f.continuations
	f.continuations = nil
	close(f.done)
	f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	for _, c := range pending {
		if c.handoff || runInPlace {
			c.fn()
		}
	}
}

// Done returns a channel closed once the future holds a result.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
// A canceled ctx stops the wait only; the work keeps running.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get returns the result without blocking. ok is false while the work is still pending.
func (f *Future[T]) Get() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then attaches a continuation. Continuations attached before completion run on the goroutine that
// completes the work: the affinity goroutine for affinity futures, the finishing worker for
// background futures. Continuations attached afterwards are handed to the same kind of goroutine.
func (f *Future[T]) Then(fn func(T, error)) {
	f.ThenOn(nil, fn)
}

// ThenOn attaches a continuation that runs on exec instead of the default goroutine.
func (f *Future[T]) ThenOn(exec Executor, fn func(T, error)) {
	run := func() {
		if f.guard == nil {
			fn(f.value, f.err)
			return
		}
		f.guard(func() { fn(f.value, f.err) })
	}

	f.mu.Lock()
	if !f.completed {
		if exec == nil {
			f.continuations = append(f.continuations, continuation{fn: run})
		} else {
			f.continuations = append(f.continuations, continuation{fn: func() { _ = exec.Execute(run) }, handoff: true})
		}
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if exec == nil {
		exec = f.exec
	}
	_ = exec.Execute(run)
}

// Cancel asks the work to stop by canceling the context it was given. Work that has not started yet
// completes with context.Canceled without running; running work may ignore the request and complete
// normally. Affinity work is never canceled.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
