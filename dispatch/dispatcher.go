package dispatch

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cleitonmarx/lifeline/telemetry"
)

// Target identifies where dispatched work executes.
type Target int

const (
	// Affinity is the single goroutine running the dispatcher loop.
	Affinity Target = iota
	// Background is any worker of the background pool, or any non-affinity caller.
	Background
)

// String returns "affinity" or "background".
func (t Target) String() string {
	switch t {
	case Affinity:
		return "affinity"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Work is a unit of dispatched work producing a value or failing.
type Work[T any] func(ctx context.Context) (T, error)

// Stats is a point-in-time view of dispatcher activity.
type Stats struct {
	AffinityQueued     int    `json:"affinityQueued"`
	AffinityExecuted   uint64 `json:"affinityExecuted"`
	BackgroundExecuted uint64 `json:"backgroundExecuted"`
	Failed             uint64 `json:"failed"`
	PoolSize           int    `json:"poolSize"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used to report failed work and recovered panics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records dispatch counters and the affinity queue depth on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithPoolSize sets the number of background workers. Values < 1 are ignored.
// Default: runtime.GOMAXPROCS(0).
func WithPoolSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.poolSize = size
		}
	}
}

// Dispatcher marshals work between one affinity goroutine and a background worker pool.
//
// Tasks enqueued for the affinity goroutine run in FIFO order. Nothing orders affinity tasks
// against background tasks beyond what blocking calls imply. Failures of dispatched work are
// captured as *Failure and never escape into the scheduling loops.
type Dispatcher struct {
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	poolSize int

	loop *affinityLoop
	pool *pool

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	affinityExecuted   atomic.Uint64
	backgroundExecuted atomic.Uint64
	failed             atomic.Uint64

	affinityExec   Executor
	backgroundExec Executor
}

// New creates a dispatcher. Work may be queued right away; the affinity queue is served once Run
// or Start is called.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   slog.New(slog.DiscardHandler),
		poolSize: runtime.GOMAXPROCS(0),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.loop = newAffinityLoop(d.metrics.SetAffinityQueueDepth)
	d.pool = newPool(d.poolSize)
	d.affinityExec = executorFunc(func(fn func()) error {
		return d.execute(Affinity, d.loop.enqueue, fn)
	})
	d.backgroundExec = executorFunc(func(fn func()) error {
		return d.execute(Background, d.pool.submit, fn)
	})
	return d
}

// Run makes the calling goroutine the affinity goroutine and serves the affinity queue until ctx is
// done or Close is called. Tasks still queued at that point run before Run returns. The goroutine
// is locked to its OS thread for the duration, so Run may be called from main to keep UI toolkit
// calls on the main thread.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.loop.started.Load() {
		return ErrAlreadyRunning
	}
	d.pool.start()
	if err := d.loop.run(ctx, d.markReady); err != nil {
		return err
	}
	d.pool.close()
	return nil
}

// Start runs the affinity loop on a new goroutine and returns once it is serving.
func (d *Dispatcher) Start() error {
	if d.loop.started.Load() {
		return ErrAlreadyRunning
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(context.Background())
	}()
	select {
	case <-d.ready:
		return nil
	case err := <-errCh:
		return err
	}
}

func (d *Dispatcher) markReady() {
	d.readyOnce.Do(func() { close(d.ready) })
}

// Close stops accepting work, lets queued tasks finish and waits for the affinity goroutine and the
// background workers to exit. Work queued on a dispatcher that never ran is failed with ErrClosed.
// Called on the affinity goroutine or on a background worker, Close only initiates the stop.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(d.loop.close)
	if d.IsAffinity() {
		// The loop exits once the running task returns; waiting here would never finish.
		return nil
	}
	if d.pool.isWorker() {
		// The calling worker is one the pool waits for. Run closes the pool once the loop exits.
		d.pool.stop()
		return nil
	}

	if !d.loop.started.Load() {
		d.loop.rejectPending(ErrClosed)
	} else {
		select {
		case <-d.loop.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	poolDone := make(chan struct{})
	go func() {
		d.pool.close()
		close(poolDone)
	}()
	select {
	case <-poolDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAffinity reports whether the caller runs on the affinity goroutine.
func (d *Dispatcher) IsAffinity() bool {
	return d.loop.isLoopGoroutine()
}

// WaitIdle blocks until the affinity queue is observed empty with no task executing. Called on the
// affinity goroutine it runs the queued tasks in place instead, in FIFO order.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	if d.IsAffinity() {
		d.loop.drainInline()
		return nil
	}
	return d.loop.waitIdle(ctx)
}

// Affinity returns an Executor running functions on the affinity goroutine.
func (d *Dispatcher) Affinity() Executor {
	return d.affinityExec
}

// Background returns an Executor running functions on the background pool.
func (d *Dispatcher) Background() Executor {
	return d.backgroundExec
}

// Stats returns the current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		AffinityQueued:     d.loop.depth(),
		AffinityExecuted:   d.affinityExecuted.Load(),
		BackgroundExecuted: d.backgroundExecuted.Load(),
		Failed:             d.failed.Load(),
		PoolSize:           d.poolSize,
	}
}

// RunOnAffinitySync runs work on the affinity goroutine and waits for it.
// See OnAffinitySync.
func (d *Dispatcher) RunOnAffinitySync(ctx context.Context, work func(context.Context) error) error {
	_, err := onAffinitySync(ctx, d, discard(work), work)
	return err
}

// RunOnAffinityAsync queues work for the affinity goroutine without waiting.
// See OnAffinityAsync.
func (d *Dispatcher) RunOnAffinityAsync(ctx context.Context, work func(context.Context) error) *Future[struct{}] {
	return onAffinityAsync(ctx, d, discard(work), work)
}

// RunOffAffinitySync runs work off the affinity goroutine and waits for it.
// See OffAffinitySync.
func (d *Dispatcher) RunOffAffinitySync(ctx context.Context, work func(context.Context) error) error {
	_, err := offAffinitySync(ctx, d, discard(work), work)
	return err
}

// RunOffAffinityAsync hands work to the background pool without waiting.
// See OffAffinityAsync.
func (d *Dispatcher) RunOffAffinityAsync(ctx context.Context, work func(context.Context) error) *Future[struct{}] {
	return offAffinityAsync(ctx, d, discard(work), work)
}

// OnAffinitySync runs work on the affinity goroutine. Called on the affinity goroutine, work runs
// in place before OnAffinitySync returns. Otherwise work is queued and the caller blocks until it
// completes; the work's error, or a recovered panic, is returned as a *Failure.
func OnAffinitySync[T any](ctx context.Context, d *Dispatcher, work Work[T]) (T, error) {
	return onAffinitySync(ctx, d, work, work)
}

// OnAffinityAsync queues work for the affinity goroutine and returns at once, even when called on
// the affinity goroutine. Continuations attached to the returned Future run on the affinity
// goroutine. If the dispatcher closes before the work runs, the Future fails with ErrClosed and
// continuations attached with Then are dropped; those attached with ThenOn still reach their
// executor.
func OnAffinityAsync[T any](ctx context.Context, d *Dispatcher, work Work[T]) *Future[T] {
	return onAffinityAsync(ctx, d, work, work)
}

// OffAffinitySync runs work in place when the caller is not the affinity goroutine. Called on the
// affinity goroutine, work goes to the background pool and the affinity goroutine blocks until it
// completes: queued affinity tasks stall meanwhile, and work must not wait on the affinity
// goroutine itself.
func OffAffinitySync[T any](ctx context.Context, d *Dispatcher, work Work[T]) (T, error) {
	return offAffinitySync(ctx, d, work, work)
}

// OffAffinityAsync hands work to the background pool and returns at once. Continuations attached to
// the returned Future run on the worker that completes the work unless redirected with ThenOn.
// Future.Cancel cancels the context given to work.
func OffAffinityAsync[T any](ctx context.Context, d *Dispatcher, work Work[T]) *Future[T] {
	return offAffinityAsync(ctx, d, work, work)
}

func onAffinitySync[T any](ctx context.Context, d *Dispatcher, work Work[T], origin any) (T, error) {
	d.metrics.TaskDispatched(Affinity.String(), "sync")
	if d.IsAffinity() {
		return call(ctx, d, Affinity, work, origin)
	}
	return submit(ctx, d, Affinity, work, origin).Wait(ctx)
}

func onAffinityAsync[T any](ctx context.Context, d *Dispatcher, work Work[T], origin any) *Future[T] {
	d.metrics.TaskDispatched(Affinity.String(), "async")
	return submit(ctx, d, Affinity, work, origin)
}

func offAffinitySync[T any](ctx context.Context, d *Dispatcher, work Work[T], origin any) (T, error) {
	d.metrics.TaskDispatched(Background.String(), "sync")
	if !d.IsAffinity() {
		return call(ctx, d, Background, work, origin)
	}
	return submit(ctx, d, Background, work, origin).Wait(ctx)
}

func offAffinityAsync[T any](ctx context.Context, d *Dispatcher, work Work[T], origin any) *Future[T] {
	d.metrics.TaskDispatched(Background.String(), "async")
	return submit(ctx, d, Background, work, origin)
}

// submit queues work on target and returns its completion handle.
func submit[T any](ctx context.Context, d *Dispatcher, target Target, work Work[T], origin any) *Future[T] {
	var (
		f       *Future[T]
		enqueue func(task) error
	)
	switch target {
	case Affinity:
		f = newFuture[T](d.affinityExec, nil)
		enqueue = d.loop.enqueue
	default:
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		f = newFuture[T](d.backgroundExec, cancel)
		enqueue = d.pool.submit
	}
	f.guard = d.guard

	t := task{
		run: func() {
			if target == Background && ctx.Err() != nil {
				var zero T
				f.complete(zero, newFailure(target, origin, ctx.Err()))
				return
			}
			f.complete(call(ctx, d, target, work, origin))
		},
		reject: func(err error) {
			var zero T
			// No affinity goroutine is left to run continuations of a rejected affinity task.
			f.settle(zero, err, target != Affinity)
		},
	}
	if err := enqueue(t); err != nil {
		t.reject(err)
	}
	return f
}

// call runs work on the current goroutine, converting errors and panics into *Failure.
func call[T any](ctx context.Context, d *Dispatcher, target Target, work Work[T], origin any) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = newFailure(target, origin, &PanicError{Value: r, Stack: debug.Stack()})
			d.logger.Warn("recovered panic in dispatched work", "target", target.String(), "error", err)
		}
		if err != nil {
			d.failed.Add(1)
			d.metrics.TaskFailed(target.String())
		}
		d.countExecuted(target)
	}()

	value, err = work(ctx)
	if err != nil {
		err = newFailure(target, origin, err)
		d.logger.Debug("dispatched work failed", "target", target.String(), "error", err)
	}
	return value, err
}

func (d *Dispatcher) countExecuted(target Target) {
	if target == Affinity {
		d.affinityExecuted.Add(1)
		return
	}
	d.backgroundExecuted.Add(1)
}

// execute queues a fire-and-forget function through enqueue.
func (d *Dispatcher) execute(target Target, enqueue func(task) error, fn func()) error {
	err := enqueue(task{
		run:    func() { d.guard(fn) },
		reject: func(error) {},
	})
	if err != nil {
		d.logger.Warn("executor rejected function", "target", target.String(), "error", err)
	}
	return err
}

// guard runs fn, logging instead of propagating a panic.
func (d *Dispatcher) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered panic in continuation", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

type executorFunc func(fn func()) error

func (e executorFunc) Execute(fn func()) error {
	return e(fn)
}

func discard(work func(context.Context) error) Work[struct{}] {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}
}
