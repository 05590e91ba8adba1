// Package dispatch marshals work between a single affinity goroutine and a background worker pool.
//
// The affinity goroutine plays the role of a UI thread: the one goroutine allowed to touch state
// that is not safe for concurrent use. Work reaches it through four operations:
//
//	OnAffinitySync    run on the affinity goroutine and wait (in place when already there)
//	OnAffinityAsync   queue for the affinity goroutine, return a Future
//	OffAffinitySync   run off the affinity goroutine and wait (in place when already off it)
//	OffAffinityAsync  hand to the background pool, return a Future
//
// Every operation checks the caller's goroutine identity first, so calling OnAffinitySync from the
// affinity goroutine never deadlocks. Affinity tasks run in FIFO order. A failing or panicking work
// function is reported as a *Failure to the waiting caller or stored in its Future; it never takes
// down the affinity goroutine or a worker.
//
// Usage:
//
//	d := dispatch.New(dispatch.WithPoolSize(4))
//	if err := d.Start(); err != nil {
//		return err
//	}
//	defer d.Close(context.Background())
//
//	title, err := dispatch.OnAffinitySync(ctx, d, func(ctx context.Context) (string, error) {
//		return window.Title(), nil
//	})
//
//	dispatch.OffAffinityAsync(ctx, d, loadReport).Then(func(r Report, err error) {
//		// runs on the worker that finished loadReport
//	})
package dispatch
