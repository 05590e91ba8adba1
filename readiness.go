package lifeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cleitonmarx/lifeline/phase"
)

// defaultReadyChecker marks a runnable as ready once its Run method has been called.
type defaultReadyChecker struct {
	started  atomic.Bool
	runnable Runnable
}

func (d *defaultReadyChecker) Run(ctx context.Context) error {
	d.started.Store(true)
	return d.runnable.Run(ctx)
}

func (d *defaultReadyChecker) IsReady(ctx context.Context) error {
	if d.started.Load() {
		return nil
	}
	return errors.New("not ready")
}

// errNotServing is reported while the app has not entered Main.
var errNotServing = fmt.Errorf("lifeline: phase %s not reached", phase.Main)

// WaitForReadiness waits until the app entered Main and every hosted runnable reports ready, the
// timeout elapses, or ctx is canceled. A timeout of zero or less uses Settings.ReadyTimeout.
//
// If the context is canceled, it returns the context's error. If the timeout elapses while some
// runnable is still not ready, it returns the last readiness error wrapped with the failing
// component via NewError. If the app stops running meanwhile, its final error is returned.
func (a *App) WaitForReadiness(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = a.settings.ReadyTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	serving := make(chan error, 1)
	go func() { serving <- a.controller.Wait(waitCtx, phase.Main) }()
	select {
	case err := <-a.errCh:
		return err
	case err := <-serving:
		if err != nil {
			return readinessTimeout(ctx, waitCtx, errNotServing, nil)
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	var lastFailing any

	for {
		allReady := true
		for _, c := range a.runnableSpecsList {
			if err := c.readyChecker.IsReady(waitCtx); err != nil {
				lastErr = err
				lastFailing = c.original
				allReady = false
				break
			}
		}
		if allReady {
			return nil
		}

		select {
		case err := <-a.errCh:
			// The app stopped running.
			return err
		case <-waitCtx.Done():
			return readinessTimeout(ctx, waitCtx, lastErr, lastFailing)
		case <-ticker.C:
		}
	}
}

// readinessTimeout prefers the caller's cancellation; an elapsed timeout reports the last
// readiness failure.
func readinessTimeout(ctx, waitCtx context.Context, lastErr error, lastFailing any) error {
	if ctx.Err() != nil || !errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return waitCtx.Err()
	}
	if lastFailing != nil {
		return NewError(lastErr, lastFailing)
	}
	return fmt.Errorf("%w: %w", lastErr, waitCtx.Err())
}
