package lifeline

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cleitonmarx/lifeline/config"
	"github.com/cleitonmarx/lifeline/depend"
	"github.com/cleitonmarx/lifeline/dispatch"
	"github.com/cleitonmarx/lifeline/message"
	"github.com/cleitonmarx/lifeline/phase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

// helper types used in tests
type recCloser struct {
	name string
	log  *[]string
}

func (r *recCloser) Initialize(ctx context.Context) (context.Context, error) { return ctx, nil }

func (r *recCloser) Close() { *r.log = append(*r.log, r.name) }

type ctxKeyType string

type ctxInitializer struct {
	key ctxKeyType
	val string
}

func (c *ctxInitializer) Initialize(ctx context.Context) (context.Context, error) {
	return context.WithValue(ctx, c.key, c.val), nil
}

type errInitializer struct{}

func (errInitializer) Initialize(ctx context.Context) (context.Context, error) {
	return ctx, errors.New("init error")
}

type panicInitializer struct{}

func (panicInitializer) Initialize(context.Context) (context.Context, error) { panic("boom") }

// runnable that can return error, panic, read ctx key and/or record a closer name
type runCloser struct {
	name      string
	log       *[]string
	ctxKey    string
	gotVal    *string
	willErr   bool
	willPanic bool
}

func (r *runCloser) Run(ctx context.Context) error {
	if r.willPanic {
		panic("boom")
	}
	if r.willErr {
		return errors.New("run error")
	}
	if r.gotVal != nil && r.ctxKey != "" {
		if v := ctx.Value(ctxKeyType(r.ctxKey)); v != nil {
			*r.gotVal = v.(string)
		}
	}
	return nil
}
func (r *runCloser) Close() { *r.log = append(*r.log, r.name) }

// initializer registering a capability for later resolution by runnables
type depRegisterInitializer struct {
	Container *depend.Container `resolve:""`
	value     string
}

func (d *depRegisterInitializer) Initialize(ctx context.Context) (context.Context, error) {
	depend.Register(d.Container, d.value)
	return ctx, nil
}

// runnable that receives a registered capability via struct tag
type resolveDepRun struct {
	Dep    string `resolve:""`
	gotVal *string
}

func (r *resolveDepRun) Run(ctx context.Context) error {
	if r.gotVal != nil {
		*r.gotVal = r.Dep
	}
	return nil
}

// runnable that receives a config value via struct tag
type configRun struct {
	Cfg    string `config:"cfgKey"`
	gotVal *string
}

func (c *configRun) Run(ctx context.Context) error {
	if c.gotVal != nil {
		*c.gotVal = c.Cfg
	}
	return nil
}

func TestApp_RunWithContext(t *testing.T) {
	type testCase struct {
		inits []Initializer
		runs  []Runnable
	}

	tests := map[string]struct {
		inits    []Initializer
		runs     []Runnable
		provider config.Provider
		validate func(t *testing.T, tt *testCase, err error)
	}{
		"success_and_closers_lifo": {
			inits: []Initializer{
				&ctxInitializer{key: ctxKeyType("k"), val: "v"},
				&recCloser{name: "initA"},
				&recCloser{name: "initB"},
			},
			runs: []Runnable{
				&runCloser{name: "run1", ctxKey: "k", gotVal: new(string)},
				&runCloser{name: "run2", ctxKey: "k", gotVal: new(string)},
			},
			validate: func(t *testing.T, tt *testCase, err error) {
				assert.NoError(t, err)
				closeLog := *tt.inits[1].(*recCloser).log
				assert.Equal(t, []string{"run2", "run1", "initB", "initA"}, closeLog)
				for _, r := range tt.runs {
					assert.Equal(t, "v", *r.(*runCloser).gotVal, "runnable did not receive context value")
				}
			},
		},
		"initializer_error": {
			inits: []Initializer{&errInitializer{}},
			validate: func(t *testing.T, _ *testCase, err error) {
				var se Error
				require.Error(t, err)
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.Error(), "init error")
			},
		},
		"initializer_panic": {
			inits: []Initializer{&panicInitializer{}},
			validate: func(t *testing.T, _ *testCase, err error) {
				var se Error
				require.Error(t, err)
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.Error(), "panic in Initialize func: boom")
				assert.Equal(t, "lifeline.panicInitializer", se.ComponentName)
			},
		},
		"runnable_error": {
			runs: []Runnable{&runCloser{willErr: true}},
			validate: func(t *testing.T, _ *testCase, err error) {
				var se Error
				require.Error(t, err)
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.Error(), "run error")
			},
		},
		"runnable_panic": {
			runs: []Runnable{&runCloser{willPanic: true}},
			validate: func(t *testing.T, _ *testCase, err error) {
				var se Error
				require.Error(t, err)
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.Error(), "panic in Run func: boom")
			},
		},
		"init_registers_dependency_and_runner_resolves": {
			inits: []Initializer{&depRegisterInitializer{value: "dep-val"}},
			runs:  []Runnable{&resolveDepRun{gotVal: new(string)}},
			validate: func(t *testing.T, tt *testCase, err error) {
				assert.NoError(t, err)
				assert.Equal(t, "dep-val", *tt.runs[0].(*resolveDepRun).gotVal)
			},
		},
		"runner_reads_config": {
			provider: config.MapProvider{"cfgKey": "cfgVal"},
			runs:     []Runnable{&configRun{gotVal: new(string)}},
			validate: func(t *testing.T, tt *testCase, err error) {
				assert.NoError(t, err)
				assert.Equal(t, "cfgVal", *tt.runs[0].(*configRun).gotVal)
			},
		},
		"resolve_missing_dependency": {
			runs: []Runnable{&resolveDepRun{gotVal: new(string)}},
			validate: func(t *testing.T, _ *testCase, err error) {
				var se Error
				require.Error(t, err)
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.Error(), "the dependency type 'string' was not registered")
			},
		},
		"config_missing_key": {
			provider: config.MapProvider{"otherKey": "x"},
			runs:     []Runnable{&configRun{gotVal: new(string)}},
			validate: func(t *testing.T, _ *testCase, err error) {
				var se Error
				require.Error(t, err)
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.Error(), "error getting value for field 'Cfg'")
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			// Setup: attach shared close log to all closers
			closeLog := []string{}
			for _, in := range test.inits {
				if rc, ok := in.(*recCloser); ok {
					rc.log = &closeLog
				}
			}
			for _, r := range test.runs {
				if rc, ok := r.(*runCloser); ok {
					rc.log = &closeLog
				}
			}

			a := NewApp(WithConfigProvider(test.provider))
			a.Initialize(test.inits...)
			a.Host(test.runs...)

			err := a.RunWithContext(context.Background())
			test.validate(t, &testCase{inits: test.inits, runs: test.runs}, err)
			assert.Equal(t, phase.Shutdown, a.Phase())
		})
	}
}

// waitRunnable blocks until the app context is cancelled.
type waitRunnable struct{ done chan struct{} }

func (w *waitRunnable) Run(ctx context.Context) error { <-ctx.Done(); close(w.done); return nil }

func TestApp_Run_StopsOnInterrupt(t *testing.T) {
	a := NewApp()
	w := &waitRunnable{done: make(chan struct{})}
	a.Host(w)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()
	require.NoError(t, a.Controller().Wait(context.Background(), phase.Main))
	proc, _ := os.FindProcess(os.Getpid())
	_ = proc.Signal(os.Interrupt)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("waitRunnable did not stop after interrupt")
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after interrupt")
	}
}

func TestApp_RunAsync_ContextCancel(t *testing.T) {
	a := NewApp()
	w := &waitRunnable{done: make(chan struct{})}
	a.Host(w)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := a.RunAsync(ctx)
	err := a.WaitForReadiness(ctx, time.Second)
	assert.NoError(t, err)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunAsync did not return after context cancel")
	}

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("waitRunnable did not stop after context cancel")
	}
}

// vetoingRunnable blocks until cancelled and refuses shutdown until allowed.
type vetoingRunnable struct {
	allow atomic.Bool
	votes atomic.Int32
}

func (v *vetoingRunnable) Run(ctx context.Context) error { <-ctx.Done(); return nil }

func (v *vetoingRunnable) CanShutdown(context.Context) bool {
	v.votes.Add(1)
	return v.allow.Load()
}

func (v *vetoingRunnable) OnShutdown(context.Context) error { return nil }

func TestApp_VetoedShutdownKeepsServing(t *testing.T) {
	a := NewApp()
	v := &vetoingRunnable{}
	a.Host(v)

	errCh := a.RunAsync(context.Background())
	require.NoError(t, a.WaitForReadiness(context.Background(), time.Second))
	assert.Equal(t, []string{"lifeline.vetoingRunnable"}, a.Coordinator().Participants())

	a.RequestShutdown()
	require.Eventually(t, func() bool { return v.votes.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, phase.Main, a.Phase())

	v.allow.Store(true)
	a.RequestShutdown()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("app did not stop after the veto was lifted")
	}
	assert.Equal(t, phase.Shutdown, a.Phase())
	assert.EqualValues(t, 2, v.votes.Load())
}

type orderRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *orderRecorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *orderRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// finalizingRunnable records its shutdown hooks and whether they ran on the affinity goroutine.
type finalizingRunnable struct {
	Dispatcher *dispatch.Dispatcher `resolve:""`
	rec        *orderRecorder
	onAffinity bool
	affinity   atomic.Bool
}

func (f *finalizingRunnable) Run(context.Context) error { return nil }

func (f *finalizingRunnable) CanShutdown(context.Context) bool { return true }

func (f *finalizingRunnable) OnShutdown(context.Context) error {
	f.affinity.Store(f.Dispatcher.IsAffinity())
	f.rec.add("finalize")
	return nil
}

func (f *finalizingRunnable) ShutdownOnAffinity() bool { return f.onAffinity }

func (f *finalizingRunnable) Close() { f.rec.add("close") }

func TestApp_LifecycleOrder(t *testing.T) {
	rec := &orderRecorder{}
	a := NewApp()
	fr := &finalizingRunnable{rec: rec, onAffinity: true}
	a.Host(fr)

	var listenerOnAffinity atomic.Bool
	listenerOnAffinity.Store(true)
	for _, p := range []phase.Phase{phase.Startup, phase.Ready, phase.Main, phase.Shutdown} {
		a.OnPhaseEnter(p, func(context.Context) error {
			if !a.Dispatcher().IsAffinity() {
				listenerOnAffinity.Store(false)
			}
			rec.add(p.String())
			return nil
		})
	}

	require.NoError(t, a.RunWithContext(context.Background()))
	assert.Equal(t, []string{"STARTUP", "READY", "MAIN", "finalize", "SHUTDOWN", "close"}, rec.get())
	assert.True(t, listenerOnAffinity.Load(), "phase listeners must run on the affinity goroutine")
	assert.True(t, fr.affinity.Load(), "affinity-bound participant must finalize on the affinity goroutine")
}

// goroutineTag returns the "goroutine N" header of the current stack.
func goroutineTag() string {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	tag, _, _ := strings.Cut(string(buf), " [")
	return tag
}

func TestApp_AffinityOnCaller(t *testing.T) {
	a := NewApp(WithAffinityOnCaller())
	rec := &orderRecorder{}
	a.Host(&finalizingRunnable{rec: rec, onAffinity: true})

	var mu sync.Mutex
	listenerTags := map[string]bool{}
	for _, p := range []phase.Phase{phase.Startup, phase.Ready, phase.Main, phase.Shutdown} {
		a.OnPhaseEnter(p, func(context.Context) error {
			mu.Lock()
			listenerTags[goroutineTag()] = true
			mu.Unlock()
			return nil
		})
	}

	type result struct {
		tag string
		err error
	}
	done := make(chan result, 1)
	go func() {
		tag := goroutineTag()
		done <- result{tag: tag, err: a.RunWithContext(context.Background())}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("app did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, phase.Shutdown, a.Phase())
	assert.Equal(t, map[string]bool{res.tag: true}, listenerTags, "listeners must run on the goroutine that called RunWithContext")
	assert.Equal(t, []string{"finalize", "close"}, rec.get())
}

func TestApp_ListenerFailureAbortsStartup(t *testing.T) {
	a := NewApp()
	shutdownSeen := false
	a.Initialize(&recCloser{name: "init", log: &[]string{}})
	a.OnPhaseEnter(phase.Ready, func(context.Context) error { return errors.New("not today") })
	a.OnPhaseEnter(phase.Main, func(context.Context) error {
		t.Error("Main listener must not run after a failed startup")
		return nil
	})
	a.OnPhaseEnter(phase.Shutdown, func(context.Context) error { shutdownSeen = true; return nil })

	err := a.RunWithContext(context.Background())
	var le *phase.ListenerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, phase.Ready, le.Phase)
	assert.Equal(t, phase.Shutdown, a.Phase())
	assert.True(t, shutdownSeen)
}

// capabilityRun checks the runtime capabilities injected into hosted components.
type capabilityRun struct {
	Dispatcher *dispatch.Dispatcher `resolve:""`
	Controller *phase.Controller    `resolve:""`
	Messages   message.Lookuper     `resolve:""`
	Timeout    time.Duration        `config:"LIFELINE_SHUTDOWN_TIMEOUT"`

	phaseSeen  phase.Phase
	onAffinity bool
	greeting   string
}

func (c *capabilityRun) Run(ctx context.Context) error {
	c.phaseSeen = c.Controller.Current()
	onAffinity, err := dispatch.OnAffinitySync(ctx, c.Dispatcher, func(context.Context) (bool, error) {
		return c.Dispatcher.IsAffinity(), nil
	})
	if err != nil {
		return err
	}
	c.onAffinity = onAffinity
	c.greeting, err = c.Messages.Lookup("greeting", []any{"Ada"}, "de-AT", "")
	return err
}

func TestApp_InjectsCapabilities(t *testing.T) {
	catalog := message.NewCatalog(language.AmericanEnglish)
	require.NoError(t, catalog.Set(language.German, "greeting", "Hallo %s"))

	a := NewApp(
		WithCatalog(catalog),
		WithConfigProvider(config.MapProvider{"LIFELINE_SHUTDOWN_TIMEOUT": "5s", "LIFELINE_LOCALE": "de"}),
	)
	c := &capabilityRun{}
	a.Host(c)

	require.NoError(t, a.RunWithContext(context.Background()))
	assert.Equal(t, phase.Main, c.phaseSeen)
	assert.True(t, c.onAffinity)
	assert.Equal(t, "Hallo Ada", c.greeting)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.Equal(t, "Hallo Grace", a.Message("greeting", "Grace"))
	assert.Equal(t, "unknown.key", a.Message("unknown.key"))
}

func TestApp_Settings(t *testing.T) {
	tests := map[string]struct {
		values      config.MapProvider
		want        Settings
		expectedErr string
	}{
		"defaults": {
			values: config.MapProvider{},
			want:   DefaultSettings(),
		},
		"overrides": {
			values: config.MapProvider{
				"LIFELINE_POOL_SIZE":        "2",
				"LIFELINE_SHUTDOWN_TIMEOUT": "1s",
				"LIFELINE_READY_TIMEOUT":    "250ms",
				"LIFELINE_LOCALE":           "pt-BR",
			},
			want: Settings{PoolSize: 2, ShutdownTimeout: time.Second, ReadyTimeout: 250 * time.Millisecond, Locale: "pt-BR"},
		},
		"invalid_pool_size": {
			values:      config.MapProvider{"LIFELINE_POOL_SIZE": "0"},
			expectedErr: "lifeline: LIFELINE_POOL_SIZE must be at least 1, got 0",
		},
		"unparsable_timeout": {
			values:      config.MapProvider{"LIFELINE_SHUTDOWN_TIMEOUT": "soon"},
			expectedErr: "lifeline: load settings: config: error parsing value for field 'ShutdownTimeout'",
		},
		"invalid_locale": {
			values:      config.MapProvider{"LIFELINE_LOCALE": "!!"},
			expectedErr: `lifeline: LIFELINE_LOCALE "!!"`,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			a := NewApp(WithConfigProvider(tt.values))
			err := a.RunWithContext(context.Background())
			if tt.expectedErr != "" {
				require.Error(t, err)
				assert.True(t, strings.HasPrefix(err.Error(), tt.expectedErr), "got %q", err.Error())
				assert.Equal(t, phase.Initialize, a.Phase(), "a failed setup must not start the runtime")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Settings())
			assert.Equal(t, tt.want.PoolSize, a.Dispatcher().Stats().PoolSize)
		})
	}
}

func TestApp_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewApp(WithRegisterer(reg))
	a.Host(&runCloser{name: "r", log: &[]string{}})

	require.NoError(t, a.RunWithContext(context.Background()))

	expected := `
# HELP lifeline_phase_current Ordinal of the current application phase.
# TYPE lifeline_phase_current gauge
lifeline_phase_current 4
# HELP lifeline_shutdown_attempts_total Shutdown attempts, by outcome (vetoed, committed, failed).
# TYPE lifeline_shutdown_attempts_total counter
lifeline_shutdown_attempts_total{outcome="committed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lifeline_phase_current", "lifeline_shutdown_attempts_total"))
}
