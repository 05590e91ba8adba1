// Package lifeline hosts application components on a phase-driven runtime: one dispatcher with an
// affinity goroutine, a phase controller and a shutdown protocol that participants can veto.
package lifeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"

	"github.com/cleitonmarx/lifeline/config"
	"github.com/cleitonmarx/lifeline/depend"
	"github.com/cleitonmarx/lifeline/dispatch"
	"github.com/cleitonmarx/lifeline/internal/reflectx"
	"github.com/cleitonmarx/lifeline/message"
	"github.com/cleitonmarx/lifeline/phase"
	"github.com/cleitonmarx/lifeline/shutdown"
	"github.com/cleitonmarx/lifeline/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
)

// runnableSpecs bundles a runnable with its executor and ready checker.
// The executor may wrap the original runnable with a default ready checker.
type runnableSpecs struct {
	executor     Runnable
	original     Runnable
	readyChecker ReadyChecker
}

// closerFunc is a function that performs cleanup operations.
type closerFunc func()

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger shared by the app and its runtime components.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithConfigProvider sets the provider behind settings and config:"KEY" fields.
// Environment variables are used by default.
func WithConfigProvider(p config.Provider) Option {
	return func(a *App) {
		a.provider = p
	}
}

// WithRegisterer exports the runtime metrics through reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// WithTracerProvider sets the provider for transition and shutdown spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) {
		a.tracerProvider = tp
	}
}

// WithCatalog sets the message catalog used by Message.
func WithCatalog(c *message.Catalog) Option {
	return func(a *App) {
		a.catalog = c
	}
}

// WithAffinityOnCaller makes Run, RunWithContext and RunAsync serve the affinity loop on the
// goroutine that calls them while the lifecycle runs on another one. Combined with
// runtime.LockOSThread in an init function, calling Run from main keeps phase listeners and
// affinity work on the process's main thread, as some UI toolkits require.
func WithAffinityOnCaller() Option {
	return func(a *App) {
		a.affinityOnCaller = true
	}
}

// App orchestrates the application lifecycle. Initializers run in Initialize, hosted runnables are
// wired in Startup and started in Main, and closers run in reverse order once shutdown committed.
//
// The runtime components are registered in the app's container, so hosted components can receive
// them through resolve:"" fields: *dispatch.Dispatcher, *shutdown.Coordinator, *phase.Controller,
// *config.Loader, *depend.Container and message.Lookuper.
type App struct {
	logger         *slog.Logger
	provider       config.Provider
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider

	affinityOnCaller bool

	settings    Settings
	loader      *config.Loader
	container   *depend.Container
	catalog     *message.Catalog
	metrics     *telemetry.Metrics
	dispatcher  *dispatch.Dispatcher
	coordinator *shutdown.Coordinator
	controller  *phase.Controller

	initializers      []Initializer
	runnableSpecsList []runnableSpecs
	introspectors     []Introspector

	mu          sync.Mutex
	closerNames []string

	shutdownReq chan struct{}
	errCh       chan error
	setupErr    error
}

// NewApp creates an application with no initializers or runnables. Settings are read from the
// configured provider right away; a settings or metrics registration failure is returned by Run.
func NewApp(opts ...Option) *App {
	a := &App{
		logger:      slog.Default(),
		settings:    DefaultSettings(),
		shutdownReq: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.loader = config.NewLoader(a.provider)
	a.setupErr = a.loadSettings()
	if a.registerer != nil {
		m, err := telemetry.NewMetrics(a.registerer)
		if err != nil {
			a.setupErr = errors.Join(a.setupErr, fmt.Errorf("lifeline: register metrics: %w", err))
		}
		a.metrics = m
	}
	if a.catalog == nil {
		a.catalog = message.NewCatalog(language.AmericanEnglish)
	}

	a.dispatcher = dispatch.New(
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithPoolSize(a.settings.PoolSize),
	)
	a.coordinator = shutdown.NewCoordinator(
		shutdown.WithDispatcher(a.dispatcher),
		shutdown.WithLogger(a.logger),
		shutdown.WithMetrics(a.metrics),
		shutdown.WithTracerProvider(a.tracerProvider),
	)
	a.controller = phase.NewController(a.dispatcher,
		phase.WithCoordinator(a.coordinator),
		phase.WithLogger(a.logger),
		phase.WithMetrics(a.metrics),
		phase.WithTracerProvider(a.tracerProvider),
	)
	a.container = depend.NewContainer()
	a.registerCapabilities()
	return a
}

func (a *App) loadSettings() error {
	if err := a.loader.Load(context.Background(), &a.settings); err != nil {
		return fmt.Errorf("lifeline: load settings: %w", err)
	}
	return a.settings.Validate()
}

func (a *App) registerCapabilities() {
	depend.Register(a.container, a.dispatcher)
	depend.Register(a.container, a.coordinator)
	depend.Register(a.container, a.controller)
	depend.Register(a.container, a.loader)
	depend.Register(a.container, a.container)
	depend.Register[message.Lookuper](a.container, a.catalog)
}

// Initialize adds initializers to the app (fluent method).
// Initializers run sequentially in the Initialize phase; use them to set up resources and register
// capabilities.
func (a *App) Initialize(init ...Initializer) *App {
	a.initializers = append(a.initializers, init...)
	return a
}

// Host adds runnables to the app (fluent method).
// Runnables execute concurrently once the app enters Main.
func (a *App) Host(runnable ...Runnable) *App {
	for _, r := range runnable {
		var (
			readyChecker ReadyChecker
			executor     Runnable
		)
		if rc, ok := r.(ReadyChecker); ok {
			readyChecker = rc
			executor = r
		} else {
			rc := &defaultReadyChecker{
				runnable: r,
			}
			executor = rc
			readyChecker = rc
		}

		a.runnableSpecsList = append(a.runnableSpecsList, runnableSpecs{
			original:     r,
			executor:     executor,
			readyChecker: readyChecker,
		})
	}
	return a
}

// OnPhaseEnter registers fn to run on the affinity goroutine when the app enters p.
func (a *App) OnPhaseEnter(p phase.Phase, fn phase.Listener) phase.ListenerID {
	return a.controller.OnPhaseEnter(p, fn)
}

// RequestShutdown asks the running app to shut down. The request goes through the shutdown
// protocol, so participants may veto it; a vetoed request leaves the app in Main.
// Requests made while another one is pending are merged.
func (a *App) RequestShutdown() {
	select {
	case a.shutdownReq <- struct{}{}:
	default:
	}
}

// Phase returns the current phase.
func (a *App) Phase() phase.Phase {
	return a.controller.Current()
}

// Settings returns the runtime settings loaded by NewApp.
func (a *App) Settings() Settings {
	return a.settings
}

// Dispatcher returns the app's dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Coordinator returns the app's shutdown coordinator.
func (a *App) Coordinator() *shutdown.Coordinator {
	return a.coordinator
}

// Controller returns the app's phase controller.
func (a *App) Controller() *phase.Controller {
	return a.controller
}

// Config returns the loader serving settings and config:"KEY" fields.
func (a *App) Config() *config.Loader {
	return a.loader
}

// Container returns the capability container used for resolve:"" fields.
func (a *App) Container() *depend.Container {
	return a.container
}

// Message looks key up in the catalog for the configured locale. The key itself is returned when
// no message matches.
func (a *App) Message(key string, args ...any) string {
	msg, err := a.catalog.Lookup(key, args, a.settings.Locale, "")
	if err != nil {
		return key
	}
	return msg
}

// Run executes the app until it shuts down. SIGINT and SIGTERM are turned into shutdown requests.
func (a *App) Run() error {
	// Interrupt from a terminal, termination from Kubernetes or other orchestrators.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case sig := <-sigCh:
				a.logger.Info("signal received, requesting shutdown", "signal", sig.String())
				a.RequestShutdown()
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.runWithContext(ctx)
}

// RunWithContext executes the app. Cancelling ctx requests a shutdown, which participants may veto.
func (a *App) RunWithContext(ctx context.Context) error {
	return a.runWithContext(ctx)
}

// RunAsync executes the app in a background goroutine.
// Returns a channel that receives the final error (or nil) when execution completes.
func (a *App) RunAsync(ctx context.Context) chan error {
	a.errCh = make(chan error, 1)
	go func() {
		a.errCh <- a.runWithContext(ctx)
		close(a.errCh)
	}()
	return a.errCh
}

// runWithContext drives the phases: initializers, wiring, readiness, serving and shutdown.
func (a *App) runWithContext(ctx context.Context) error {
	if a.setupErr != nil {
		return a.setupErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.affinityOnCaller {
		if err := a.dispatcher.Start(); err != nil {
			return fmt.Errorf("lifeline: start dispatcher: %w", err)
		}
		return a.lifecycle(ctx)
	}

	// Work queued before the loop starts is served once it does. The loop exits when the
	// lifecycle closes the dispatcher.
	result := make(chan error, 1)
	go func() {
		result <- a.lifecycle(ctx)
	}()
	if err := a.dispatcher.Run(context.Background()); err != nil {
		return fmt.Errorf("lifeline: run dispatcher: %w", err)
	}
	return <-result
}

// lifecycle runs the phases on a dispatcher whose affinity loop is being served, then closes it.
func (a *App) lifecycle(ctx context.Context) (err error) {
	var closers []closerFunc
	defer func() {
		combineClosers(closers)()
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.ShutdownTimeout)
		defer cancel()
		if cerr := a.dispatcher.Close(closeCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("lifeline: close dispatcher: %w", cerr))
		}
	}()

	ctx, err = a.initialize(ctx, &closers)
	if err == nil {
		err = a.startup(ctx, &closers)
	}
	if err != nil {
		a.logger.Error("startup failed", "phase", a.Phase().String(), "error", err)
		_, serr := a.shutdown(ctx)
		return errors.Join(err, serr)
	}
	return a.serve(ctx)
}

// initialize runs every initializer in order, propagating the context each one returns.
func (a *App) initialize(ctx context.Context, closers *[]closerFunc) (context.Context, error) {
	for _, initializer := range a.initializers {
		if err := a.wireStructFields(ctx, initializer); err != nil {
			return ctx, err
		}
		newCtx, err := initializeSafe(ctx, initializer)
		if err != nil {
			return ctx, err
		}
		if newCtx != nil {
			ctx = newCtx
		}
		if err := a.adopt(initializer, closers); err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// startup wires the hosted runnables, hands the report to introspectors and advances to Main.
func (a *App) startup(ctx context.Context, closers *[]closerFunc) error {
	if err := a.controller.AdvanceTo(ctx, phase.Startup); err != nil {
		return err
	}
	for _, rs := range a.runnableSpecsList {
		if err := a.wireStructFields(ctx, rs.original); err != nil {
			return err
		}
		if err := a.adopt(rs.original, closers); err != nil {
			return err
		}
	}
	for _, i := range a.allIntrospectors() {
		if err := a.wireStructFields(ctx, i); err != nil {
			return err
		}
		if err := introspectSafe(ctx, i, a.Report()); err != nil {
			return err
		}
	}
	if err := a.controller.AdvanceTo(ctx, phase.Ready); err != nil {
		return err
	}
	return a.controller.AdvanceTo(ctx, phase.Main)
}

// allIntrospectors returns the registered introspectors followed by hosted runnables that are
// introspectors themselves.
func (a *App) allIntrospectors() []Introspector {
	out := append([]Introspector(nil), a.introspectors...)
	for _, rs := range a.runnableSpecsList {
		if i, ok := rs.original.(Introspector); ok {
			out = append(out, i)
		}
	}
	return out
}

// serve runs the hosted runnables until a shutdown commits. Shutdown is attempted when the
// runnables return, when ctx is done or when RequestShutdown is called; a vetoed attempt keeps
// the app serving. Runnables see their context cancelled only after the commit pass.
func (a *App) serve(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	errGroup, groupCtx := errgroup.WithContext(runCtx)
	for _, rs := range a.runnableSpecsList {
		errGroup.Go(func() error {
			return runSafe(groupCtx, rs)
		})
	}
	runDone := make(chan error, 1)
	go func() { runDone <- errGroup.Wait() }()

	var (
		runErr   error
		finished bool
		ctxDone  = ctx.Done()
	)
	for {
		select {
		case runErr = <-runDone:
			finished = true
			a.logger.Debug("hosted runnables returned", "error", runErr)
		case <-ctxDone:
			ctxDone = nil
			a.logger.Info("context done, requesting shutdown")
		case <-a.shutdownReq:
		}

		outcome, err := a.shutdown(ctx)
		if outcome.Vetoed {
			continue
		}
		cancelRun()
		if !finished {
			runErr = <-runDone
		}
		return errors.Join(runErr, err)
	}
}

// shutdown runs one shutdown attempt bounded by the configured timeout.
func (a *App) shutdown(ctx context.Context) (shutdown.Outcome, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.ShutdownTimeout)
	defer cancel()
	outcome, err := a.controller.Shutdown(sctx)
	if outcome.Vetoed {
		a.logger.Warn("shutdown vetoed", "participant", outcome.VetoedBy, "error", outcome.Cause)
	}
	return outcome, err
}

// adopt collects the component's closer and registers it as a shutdown participant when it
// implements shutdown.Participant.
func (a *App) adopt(component any, closers *[]closerFunc) error {
	if closer, ok := component.(Closer); ok && closer != nil {
		*closers = append(*closers, closer.Close)
		a.mu.Lock()
		a.closerNames = append(a.closerNames, reflectx.NameOf(component))
		a.mu.Unlock()
	}
	p, ok := component.(shutdown.Participant)
	if !ok {
		return nil
	}
	var opts []shutdown.RegisterOption
	if ab, ok := component.(AffinityBound); ok && ab.ShutdownOnAffinity() {
		opts = append(opts, shutdown.WithAffinity())
	}
	if _, err := a.coordinator.Register(reflectx.NameOf(component), p, opts...); err != nil {
		return NewError(err, component)
	}
	return nil
}

// combineClosers returns a function that invokes all closers in LIFO (reverse) order.
func combineClosers(closers []closerFunc) closerFunc {
	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

// initializeSafe calls an initializer's Initialize method with panic recovery.
// Returns the updated context and wraps both panics and errors in NewError.
func initializeSafe(ctx context.Context, init Initializer) (newCtx context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(fmt.Errorf("panic in Initialize func: %v", r), init)
		}
	}()
	newCtx, err = init.Initialize(ctx)
	if err != nil {
		err = NewError(err, init.Initialize)
	}
	return newCtx, err
}

// runSafe calls a runnable's Run method with panic recovery.
// Wraps both panics and errors in NewError for debugging.
func runSafe(ctx context.Context, rs runnableSpecs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(fmt.Errorf("panic in Run func: %v", r), rs.original)
		}
	}()
	err = rs.executor.Run(ctx)
	if err != nil {
		err = NewError(err, rs.original.Run)
	}
	return err
}

// wireStructFields injects capabilities and configuration into struct fields via tags.
// Components that are not struct pointers have nothing to wire.
func (a *App) wireStructFields(ctx context.Context, target any) error {
	if !reflectx.IsPointerStruct(reflect.ValueOf(target)) {
		return nil
	}
	err := reflectx.IterateStructFields(
		target,
		a.container.FieldResolver(),
		a.loader.FieldLoader(ctx),
	)
	if err != nil {
		return NewError(err, target)
	}
	return nil
}
