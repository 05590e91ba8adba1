package lifeline

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cleitonmarx/lifeline/config"
	"github.com/cleitonmarx/lifeline/depend"
	"github.com/cleitonmarx/lifeline/introspection"
	"github.com/cleitonmarx/lifeline/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type initForIntrospect struct {
	Container *depend.Container `resolve:""`
	Config    *config.Loader    `resolve:""`
}

func (i *initForIntrospect) Initialize(ctx context.Context) (context.Context, error) {
	depend.Register(i.Container, "depVal")
	_, err := config.Get[string](ctx, i.Config, "cfgKey")
	return ctx, err
}

type runForIntrospect struct {
	Dep string `resolve:""`
}

func (r *runForIntrospect) Run(ctx context.Context) error { return nil }

func (r *runForIntrospect) Close() {}

type runnableIntrospector struct {
	report           introspection.Report
	introspectCalled bool
	runCalled        bool
}

func (r *runnableIntrospector) Run(_ context.Context) error {
	r.runCalled = true
	return nil
}

func (r *runnableIntrospector) Introspect(_ context.Context, rep introspection.Report) error {
	r.report = rep
	r.introspectCalled = true
	return nil
}

type recorderIntrospector struct {
	report    introspection.Report
	called    bool
	willErr   bool
	willPanic bool
}

func (r *recorderIntrospector) Introspect(_ context.Context, rep introspection.Report) error {
	if r.willPanic {
		panic("introspector panic")
	}
	r.report = rep
	r.called = true
	if r.willErr {
		return assert.AnError
	}
	return nil
}

func TestApp_IntrospectProvidesReport(t *testing.T) {
	type tc struct {
		name      string
		intro     *recorderIntrospector
		host      Runnable
		expectErr bool
		validate  func(t *testing.T, hosted Runnable)
	}

	cases := []tc{
		{
			name:  "success",
			intro: &recorderIntrospector{},
			host:  &runForIntrospect{},
		},
		{
			name:      "introspector-returns-error",
			intro:     &recorderIntrospector{willErr: true},
			host:      &runForIntrospect{},
			expectErr: true,
		},
		{
			name:      "introspector-panics",
			intro:     &recorderIntrospector{willPanic: true},
			host:      &runForIntrospect{},
			expectErr: true,
		},
		{
			name: "hosted-runnable-also-introspector",
			host: &runnableIntrospector{},
			validate: func(t *testing.T, hosted Runnable) {
				ri, ok := hosted.(*runnableIntrospector)
				assert.True(t, ok)
				assert.True(t, ri.introspectCalled, "hosted runnable introspector should be invoked")
				assert.True(t, ri.runCalled, "hosted runnable should still run")
				assert.Len(t, ri.report.Runnables, 1)
				assert.Contains(t, ri.report.Runnables[0].Type, "runnableIntrospector")
				assert.Len(t, ri.report.Initializers, 1)
				assert.Contains(t, ri.report.Initializers[0].Type, "initForIntrospect")
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			hosted := c.host
			app := NewApp(WithConfigProvider(config.MapProvider{"cfgKey": "val"})).
				Initialize(&initForIntrospect{}).
				Host(hosted)
			if c.intro != nil {
				app.Introspect(c.intro)
			}

			err := app.RunWithContext(context.Background())
			if c.expectErr {
				var se Error
				require.ErrorAs(t, err, &se)
				assert.Equal(t, "lifeline.recorderIntrospector", se.ComponentName)
				return
			}
			require.NoError(t, err)
			if c.intro != nil {
				assert.True(t, c.intro.called, "introspector should be invoked")
				assert.Len(t, c.intro.report.Initializers, 1)
				assert.Contains(t, c.intro.report.Initializers[0].Type, "initForIntrospect")
			}
			if c.validate != nil {
				c.validate(t, hosted)
			}
		})
	}
}

func TestApp_Report(t *testing.T) {
	intro := &recorderIntrospector{}
	app := NewApp(WithConfigProvider(config.MapProvider{"cfgKey": "val"})).
		Initialize(&initForIntrospect{}).
		Host(&runForIntrospect{}).
		Introspect(intro)

	require.NoError(t, app.RunWithContext(context.Background()))
	rep := intro.report

	assert.Equal(t, phase.Startup, rep.Phase)
	assert.Equal(t, []introspection.ComponentInfo{{Type: "lifeline.runForIntrospect"}}, rep.Closers)
	assert.Equal(t, []introspection.ComponentInfo{{Type: "lifeline.runForIntrospect"}}, rep.Runnables)
	assert.Equal(t, app.Settings().PoolSize, rep.Dispatcher.PoolSize)

	// Only the user's config read carries a caller; settings are read by the app itself.
	var cfgAccess *introspection.ConfigAccess
	for i, a := range rep.Configs {
		if a.Key == "cfgKey" {
			cfgAccess = &rep.Configs[i]
			continue
		}
		assert.Empty(t, a.Caller.Func, "settings access %q", a.Key)
	}
	require.NotNil(t, cfgAccess)
	assert.Equal(t, "lifeline.(*initForIntrospect).Initialize", cfgAccess.Caller.Func)
	assert.Equal(t, "config.MapProvider", cfgAccess.Provider)

	var registered, resolved []introspection.DepEvent
	for _, e := range rep.Deps {
		if e.Type != "string" {
			continue
		}
		switch e.Kind {
		case introspection.DepRegistered:
			registered = append(registered, e)
		case introspection.DepResolved:
			resolved = append(resolved, e)
		}
	}
	require.Len(t, registered, 1)
	assert.Equal(t, "lifeline.(*initForIntrospect).Initialize", registered[0].Caller.Func)
	require.Len(t, resolved, 1)
	assert.Equal(t, "lifeline.runForIntrospect", resolved[0].Component)
	assert.Empty(t, resolved[0].Caller.Func, "field injection is performed by the app")

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "STARTUP", decoded["phase"])

	final := app.Report()
	assert.Equal(t, phase.Shutdown, final.Phase)
}
