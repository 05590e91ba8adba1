package lifeline

import "context"

// Runnable executes a long-lived process that runs concurrently with other runnables.
// The context is canceled once shutdown committed or when the first runnable returns an error.
type Runnable interface {
	Run(context.Context) error
}

// Closer releases resources once shutdown committed.
// Closers are invoked in LIFO (reverse registration) order.
type Closer interface {
	Close()
}

// Initializer sets up component resources during the Initialize phase.
// It can register capabilities and return an updated context for propagation to other components.
// Errors halt initialization immediately; panics are recovered and reported.
type Initializer interface {
	Initialize(context.Context) (context.Context, error)
}

// ReadyChecker reports whether a runnable is ready to serve traffic.
// If not implemented, a default ReadyChecker marks ready once the runnable's Run method starts.
type ReadyChecker interface {
	IsReady(ctx context.Context) error
}

// AffinityBound is implemented by hosted shutdown participants whose vote and finalize hooks must
// run on the affinity goroutine.
type AffinityBound interface {
	ShutdownOnAffinity() bool
}
