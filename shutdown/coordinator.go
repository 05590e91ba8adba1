package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher runs work on the affinity goroutine. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	RunOnAffinitySync(ctx context.Context, work func(context.Context) error) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDispatcher sets the dispatcher used for participants registered WithAffinity.
// Without one, every callback runs on the goroutine calling Shutdown.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Coordinator) {
		c.dispatcher = d
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts shutdown attempts by outcome on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracerProvider sets the provider used for vote and commit spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		c.tracer = telemetry.Tracer(tp)
	}
}

// RegisterOption configures a single registration.
type RegisterOption func(*registration)

// WithAffinity runs the participant's callbacks on the affinity goroutine.
func WithAffinity() RegisterOption {
	return func(r *registration) {
		r.affinity = true
	}
}

type registration struct {
	id          ID
	name        string
	participant Participant
	affinity    bool
	removed     atomic.Bool
}

// Coordinator runs the two-pass shutdown protocol over its registered participants.
//
// The vote pass asks every participant, in registration order, whether shutdown may proceed and
// stops at the first refusal. The commit pass then finalizes every participant in the same order,
// collecting failures instead of stopping at them. Each pass works on a snapshot of the registry
// taken when the attempt starts; participants deregistered during a pass are skipped if not yet
// reached. Registration is closed for the duration of an attempt.
type Coordinator struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer

	mu        sync.Mutex
	handlers  []*registration
	inFlight  bool
	committed bool

	// runMu serializes shutdown attempts.
	runMu sync.Mutex
}

// NewCoordinator creates a coordinator with an empty registry.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: slog.New(slog.DiscardHandler),
		tracer: telemetry.Tracer(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds p to the end of the registry. An empty name is replaced by the participant's type
// name. Registration is rejected with ErrRegistrationClosed while a shutdown attempt is running and
// after a commit; a vetoed attempt reopens it.
func (c *Coordinator) Register(name string, p Participant, opts ...RegisterOption) (ID, error) {
	if p == nil {
		return ID{}, ErrNilParticipant
	}
	if name == "" {
		name = reflectx.NameOf(p)
	}
	r := &registration{
		id:          ID(uuid.New()),
		name:        name,
		participant: p,
	}
	for _, opt := range opts {
		opt(r)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight || c.committed {
		return ID{}, ErrRegistrationClosed
	}
	c.handlers = append(c.handlers, r)
	return r.id, nil
}

// RegisterFuncs registers a participant built from a vote check and a finalize hook.
func (c *Coordinator) RegisterFuncs(
	name string,
	canShutdown func(context.Context) bool,
	onShutdown func(context.Context) error,
	requiresAffinity bool,
) (ID, error) {
	var opts []RegisterOption
	if requiresAffinity {
		opts = append(opts, WithAffinity())
	}
	return c.Register(name, ParticipantFuncs{CanShutdownFunc: canShutdown, OnShutdownFunc: onShutdown}, opts...)
}

// Deregister removes the participant with the given id. It reports whether the id was registered.
func (c *Coordinator) Deregister(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.handlers {
		if r.id == id {
			r.removed.Store(true)
			c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered participants.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Participants returns the registered participant names in registration order.
func (c *Coordinator) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.handlers))
	for _, r := range c.handlers {
		names = append(names, r.name)
	}
	return names
}

// Committed reports whether a shutdown sequence has completed its commit pass.
func (c *Coordinator) Committed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Shutdown runs the vote pass and, if every participant agrees, the commit pass.
//
// A veto is not an error: the returned Outcome has Vetoed set and the coordinator may be asked
// again later, which starts a fresh pass over the registry as it is then. When finalize hooks
// fail, the Outcome is returned together with a *ParticipantFailure naming them. Once a commit
// pass ran, further calls return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) (Outcome, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := time.Now()
	c.mu.Lock()
	if c.committed {
		c.mu.Unlock()
		return Outcome{}, ErrAlreadyShutdown
	}
	snapshot := make([]*registration, len(c.handlers))
	copy(snapshot, c.handlers)
	c.inFlight = true
	c.mu.Unlock()

	outcome, ok := c.vote(ctx, snapshot)
	if !ok {
		c.reopen()
		outcome.Duration = time.Since(start)
		c.metrics.ShutdownAttempt("vetoed")
		c.logger.Info("shutdown vetoed", "participant", outcome.VetoedBy, "error", outcome.Cause)
		return outcome, nil
	}
	if err := ctx.Err(); err != nil {
		c.reopen()
		return Outcome{Duration: time.Since(start)}, err
	}

	outcome.Results = c.commit(ctx, snapshot)
	outcome.Committed = true
	outcome.Duration = time.Since(start)

	c.mu.Lock()
	c.inFlight = false
	c.committed = true
	c.mu.Unlock()

	var failed []Result
	for _, r := range outcome.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		c.metrics.ShutdownAttempt("failed")
		err := &ParticipantFailure{Failures: failed}
		c.logger.Error("shutdown finalize failed", "participants", outcome.FailedParticipants(), "error", err)
		return outcome, err
	}
	c.metrics.ShutdownAttempt("committed")
	c.logger.Info("shutdown committed", "participants", len(outcome.Results), "duration", outcome.Duration)
	return outcome, nil
}

// reopen accepts registrations again after an attempt that did not commit.
func (c *Coordinator) reopen() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

// vote asks each participant in order and stops at the first refusal or failing check.
func (c *Coordinator) vote(ctx context.Context, snapshot []*registration) (Outcome, bool) {
	ctx, span := telemetry.Start(ctx, c.tracer, "shutdown.vote", attribute.Int("participants", len(snapshot)))
	defer span.End()

	for _, r := range snapshot {
		if r.removed.Load() {
			continue
		}
		var agreed bool
		err := c.invoke(ctx, r, func(ctx context.Context) error {
			agreed = r.participant.CanShutdown(ctx)
			return nil
		})
		if err != nil || !agreed {
			span.SetAttributes(attribute.String("vetoed_by", r.name))
			telemetry.RecordErrorAndStatus(span, err)
			return Outcome{Vetoed: true, VetoedBy: r.name, Cause: err}, false
		}
	}
	return Outcome{}, true
}

// commit finalizes every participant in order, recording each result.
func (c *Coordinator) commit(ctx context.Context, snapshot []*registration) []Result {
	ctx, span := telemetry.Start(ctx, c.tracer, "shutdown.commit", attribute.Int("participants", len(snapshot)))
	defer span.End()

	results := make([]Result, 0, len(snapshot))
	failures := 0
	for _, r := range snapshot {
		if r.removed.Load() {
			continue
		}
		started := time.Now()
		err := c.invoke(ctx, r, r.participant.OnShutdown)
		results = append(results, Result{
			ID:       r.id,
			Name:     r.name,
			Affinity: r.affinity,
			Duration: time.Since(started),
			Err:      err,
		})
		if err != nil {
			failures++
			c.logger.Warn("participant failed to finalize", "participant", r.name, "error", err)
		}
	}
	if failures > 0 {
		telemetry.RecordErrorAndStatus(span, fmt.Errorf("%d participant(s) failed to finalize", failures))
	}
	return results
}

// invoke runs fn for r on the affinity goroutine when r requires it, or in place otherwise.
// Panics are returned as errors.
func (c *Coordinator) invoke(ctx context.Context, r *registration, fn func(context.Context) error) error {
	if r.affinity && c.dispatcher != nil {
		return c.dispatcher.RunOnAffinitySync(ctx, fn)
	}
	return recoverCall(ctx, r.name, fn)
}

func recoverCall(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("participant %q panicked: %v\n%s", name, rec, debug.Stack())
		}
	}()
	return fn(ctx)
}
