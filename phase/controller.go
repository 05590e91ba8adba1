package phase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/shutdown"
	"github.com/cleitonmarx/lifeline/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher is the part of *dispatch.Dispatcher the controller needs.
type Dispatcher interface {
	IsAffinity() bool
	WaitIdle(ctx context.Context) error
	RunOnAffinitySync(ctx context.Context, work func(context.Context) error) error
}

// Coordinator runs the shutdown protocol. *shutdown.Coordinator implements it.
type Coordinator interface {
	Shutdown(ctx context.Context) (shutdown.Outcome, error)
}

// Listener is called on the affinity goroutine when its phase is entered.
type Listener func(ctx context.Context) error

// ListenerID identifies a registered listener.
type ListenerID uuid.UUID

type listener struct {
	id   ListenerID
	name string
	fn   Listener
}

// Option configures a Controller.
type Option func(*Controller)

// WithCoordinator sets the coordinator consulted before entering Shutdown.
func WithCoordinator(c Coordinator) Option {
	return func(ctl *Controller) {
		ctl.coordinator = c
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctl *Controller) {
		if logger != nil {
			ctl.logger = logger
		}
	}
}

// WithMetrics records the current phase and transition counts on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(ctl *Controller) {
		ctl.metrics = m
	}
}

// WithTracerProvider sets the provider used for transition spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(ctl *Controller) {
		ctl.tracer = telemetry.Tracer(tp)
	}
}

// Controller drives the application through its phases.
//
// The controller starts in Initialize. AdvanceTo moves to the next phase in order, or to Shutdown
// from any phase, and then runs the listeners registered for the entered phase on the affinity
// goroutine. Transitions are serialized.
type Controller struct {
	dispatcher  Dispatcher
	coordinator Coordinator
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer

	current atomic.Int32

	// transition serializes AdvanceTo calls.
	transition sync.Mutex

	mu        sync.Mutex
	listeners map[Phase][]listener
	// changed is closed and replaced whenever the phase changes.
	changed chan struct{}
}

// NewController creates a controller in the Initialize phase. Listeners run through d.
func NewController(d Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		dispatcher: d,
		logger:     slog.New(slog.DiscardHandler),
		tracer:     telemetry.Tracer(nil),
		listeners:  make(map[Phase][]listener),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(int32(Initialize))
	c.metrics.PhaseEntered(int(Initialize), Initialize.String())
	return c
}

// Current returns the current phase. It never blocks.
func (c *Controller) Current() Phase {
	return Phase(c.current.Load())
}

// OnPhaseEnter registers fn to run once, on the affinity goroutine, when p is entered.
// Listeners for a phase already entered never run.
func (c *Controller) OnPhaseEnter(p Phase, fn Listener) ListenerID {
	l := listener{
		id:   ListenerID(uuid.New()),
		name: reflectx.NameOf(fn),
		fn:   fn,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[p] = append(c.listeners[p], l)
	return l.id
}

// RemoveListener unregisters a listener. It reports whether the listener was registered.
func (c *Controller) RemoveListener(id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, ls := range c.listeners {
		for i, l := range ls {
			if l.id == id {
				c.listeners[p] = append(ls[:i:i], ls[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Wait blocks until p has been reached or passed, or ctx is done.
func (c *Controller) Wait(ctx context.Context, p Phase) error {
	for {
		c.mu.Lock()
		if c.Current() >= p {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AdvanceTo moves to phase p and runs its listeners.
//
// Only the immediate successor of the current phase, or Shutdown, is accepted; anything else
// returns a *TransitionError. Entering Ready first waits for the affinity queue to drain. Entering
// Shutdown first runs the shutdown protocol: a veto leaves the phase unchanged and is returned as
// a *shutdown.VetoError. Listener failures are returned after every listener ran; the phase has
// changed by then.
func (c *Controller) AdvanceTo(ctx context.Context, p Phase) error {
	outcome, err := c.advance(ctx, p)
	if outcome.Vetoed {
		return outcome.Err()
	}
	return err
}

// Shutdown advances to the Shutdown phase. A veto is reported through the returned Outcome with a
// nil error, and the phase stays unchanged.
func (c *Controller) Shutdown(ctx context.Context) (shutdown.Outcome, error) {
	return c.advance(ctx, Shutdown)
}

func (c *Controller) advance(ctx context.Context, to Phase) (shutdown.Outcome, error) {
	if c.dispatcher.IsAffinity() {
		if !c.transition.TryLock() {
			return shutdown.Outcome{}, ErrTransitionInProgress
		}
	} else {
		c.transition.Lock()
	}
	defer c.transition.Unlock()

	from := c.Current()
	if !from.CanAdvanceTo(to) {
		return shutdown.Outcome{}, &TransitionError{From: from, To: to}
	}

	ctx, span := telemetry.Start(ctx, c.tracer, "phase.transition",
		attribute.String("phase.from", from.String()),
		attribute.String("phase.to", to.String()),
	)
	defer span.End()
	c.logger.Debug("phase transition started", "from", from.String(), "phase", to.String())

	var (
		outcome   shutdown.Outcome
		commitErr error
	)
	switch to {
	case Ready:
		if err := c.dispatcher.WaitIdle(ctx); err != nil {
			telemetry.RecordErrorAndStatus(span, err)
			return outcome, err
		}
	case Shutdown:
		if c.coordinator != nil {
			outcome, commitErr = c.coordinator.Shutdown(ctx)
			if outcome.Vetoed {
				span.SetAttributes(attribute.String("shutdown.vetoed_by", outcome.VetoedBy))
				c.logger.Info("shutdown vetoed, phase unchanged", "phase", from.String(), "participant", outcome.VetoedBy)
				return outcome, nil
			}
			if commitErr != nil && !outcome.Committed {
				telemetry.RecordErrorAndStatus(span, commitErr)
				return outcome, commitErr
			}
		}
	}

	c.enter(to)
	c.logger.Info("phase entered", "phase", to.String())

	err := errors.Join(commitErr, c.notify(ctx, to))
	telemetry.RecordErrorAndStatus(span, err)
	return outcome, err
}

func (c *Controller) enter(p Phase) {
	c.mu.Lock()
	c.current.Store(int32(p))
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	c.metrics.PhaseEntered(int(p), p.String())
}

// notify runs the listeners of p in registration order on the affinity goroutine.
func (c *Controller) notify(ctx context.Context, p Phase) error {
	c.mu.Lock()
	ls := c.listeners[p]
	delete(c.listeners, p)
	c.mu.Unlock()

	var errs []error
	for _, l := range ls {
		if err := c.dispatcher.RunOnAffinitySync(ctx, l.fn); err != nil {
			c.logger.Error("phase listener failed", "phase", p.String(), "listener", l.name, "error", err)
			errs = append(errs, &ListenerError{Phase: p, Err: err})
		}
	}
	return errors.Join(errs...)
}
