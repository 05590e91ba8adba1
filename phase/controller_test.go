package phase

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cleitonmarx/lifeline/dispatch"
	"github.com/cleitonmarx/lifeline/shutdown"
	"github.com/cleitonmarx/lifeline/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(dispatch.WithPoolSize(2))
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

// advanceThrough walks the controller from Initialize up to p.
func advanceThrough(t *testing.T, c *Controller, p Phase) {
	t.Helper()
	for c.Current() < p {
		require.NoError(t, c.AdvanceTo(context.Background(), c.Current().Next()))
	}
}

func TestController_InitialPhase(t *testing.T) {
	c := NewController(newDispatcher(t))
	assert.Equal(t, Initialize, c.Current())
	assert.Equal(t, c.Current(), c.Current())
}

func TestController_AdvanceToSamePhaseIsIllegal(t *testing.T) {
	for _, p := range Phases() {
		t.Run(p.String(), func(t *testing.T) {
			c := NewController(newDispatcher(t))
			advanceThrough(t, c, p)

			err := c.AdvanceTo(context.Background(), p)
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, p, te.From)
			assert.Equal(t, p, te.To)
			assert.Equal(t, p, c.Current())
		})
	}
}

func TestController_AdvanceTo(t *testing.T) {
	tests := map[string]struct {
		from      Phase
		to        Phase
		expectErr error
	}{
		"initialize_to_startup":  {from: Initialize, to: Startup},
		"startup_to_ready":       {from: Startup, to: Ready},
		"ready_to_main":          {from: Ready, to: Main},
		"main_to_shutdown":       {from: Main, to: Shutdown},
		"initialize_to_shutdown": {from: Initialize, to: Shutdown},
		"startup_to_shutdown":    {from: Startup, to: Shutdown},
		"ready_to_shutdown":      {from: Ready, to: Shutdown},
		"skip_is_illegal":        {from: Initialize, to: Ready, expectErr: ErrIllegalTransition},
		"backwards_is_illegal":   {from: Main, to: Startup, expectErr: ErrIllegalTransition},
		"leave_shutdown":         {from: Shutdown, to: Main, expectErr: ErrIllegalTransition},
		"invalid_phase":          {from: Initialize, to: Phase(42), expectErr: ErrIllegalTransition},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := NewController(newDispatcher(t), WithCoordinator(shutdown.NewCoordinator()))
			advanceThrough(t, c, tt.from)

			err := c.AdvanceTo(context.Background(), tt.to)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				assert.Equal(t, tt.from, c.Current())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, c.Current())
		})
	}
}

func TestController_ShutdownFromAnyPhase(t *testing.T) {
	for _, p := range Phases()[:4] {
		t.Run(p.String(), func(t *testing.T) {
			coord := shutdown.NewCoordinator()
			_, err := coord.RegisterFuncs("agrees", func(context.Context) bool { return true }, nil, false)
			require.NoError(t, err)
			c := NewController(newDispatcher(t), WithCoordinator(coord))
			advanceThrough(t, c, p)

			outcome, err := c.Shutdown(context.Background())
			require.NoError(t, err)
			assert.True(t, outcome.Committed)
			assert.Equal(t, Shutdown, c.Current())
		})
	}
}

func TestController_ListenersRunOnAffinity(t *testing.T) {
	d := newDispatcher(t)
	c := NewController(d)

	var calls []string
	var onAffinity atomic.Bool
	onAffinity.Store(true)
	record := func(name string) Listener {
		return func(context.Context) error {
			if !d.IsAffinity() {
				onAffinity.Store(false)
			}
			calls = append(calls, name)
			return nil
		}
	}
	c.OnPhaseEnter(Startup, record("startup-1"))
	c.OnPhaseEnter(Startup, record("startup-2"))
	removed := c.OnPhaseEnter(Startup, record("removed"))
	c.OnPhaseEnter(Main, record("main"))
	assert.True(t, c.RemoveListener(removed))
	assert.False(t, c.RemoveListener(removed))

	advanceThrough(t, c, Main)
	assert.Equal(t, []string{"startup-1", "startup-2", "main"}, calls)
	assert.True(t, onAffinity.Load())

	// listeners of a phase already entered never run
	c.OnPhaseEnter(Startup, record("late"))
	require.NoError(t, c.AdvanceTo(context.Background(), Shutdown))
	assert.Equal(t, []string{"startup-1", "startup-2", "main"}, calls)
}

func TestController_ReadyWaitsForAffinityQueue(t *testing.T) {
	d := newDispatcher(t)
	c := NewController(d)
	advanceThrough(t, c, Startup)

	release := make(chan struct{})
	var taskDone atomic.Bool
	d.RunOnAffinityAsync(context.Background(), func(context.Context) error {
		<-release
		taskDone.Store(true)
		return nil
	})

	var observed atomic.Bool
	c.OnPhaseEnter(Ready, func(context.Context) error {
		observed.Store(taskDone.Load())
		return nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, c.AdvanceTo(context.Background(), Ready))
	assert.True(t, observed.Load(), "READY listener ran before queued affinity work completed")
}

func TestController_ReadyOnAffinityDrainsInPlace(t *testing.T) {
	d := newDispatcher(t)
	c := NewController(d)
	advanceThrough(t, c, Startup)

	var order []string
	c.OnPhaseEnter(Ready, func(context.Context) error {
		order = append(order, "ready")
		return nil
	})
	err := d.RunOnAffinitySync(context.Background(), func(ctx context.Context) error {
		d.RunOnAffinityAsync(ctx, func(context.Context) error {
			order = append(order, "queued")
			return nil
		})
		return c.AdvanceTo(ctx, Ready)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"queued", "ready"}, order)
}

func TestController_VetoLeavesPhaseUnchanged(t *testing.T) {
	d := newDispatcher(t)
	coord := shutdown.NewCoordinator(shutdown.WithDispatcher(d))
	var votes []string
	vote := func(name string, ok bool) func(context.Context) bool {
		return func(context.Context) bool {
			votes = append(votes, name)
			return ok
		}
	}
	finalized := false
	onShutdown := func(context.Context) error {
		finalized = true
		return nil
	}
	for _, p := range []struct {
		name string
		ok   bool
	}{{"A", true}, {"B", false}, {"C", true}} {
		_, err := coord.RegisterFuncs(p.name, vote(p.name, p.ok), onShutdown, true)
		require.NoError(t, err)
	}

	c := NewController(d, WithCoordinator(coord))
	advanceThrough(t, c, Main)
	shutdownListener := false
	c.OnPhaseEnter(Shutdown, func(context.Context) error {
		shutdownListener = true
		return nil
	})

	outcome, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Vetoed)
	assert.Equal(t, "B", outcome.VetoedBy)
	assert.Equal(t, []string{"A", "B"}, votes)
	assert.False(t, finalized)
	assert.False(t, shutdownListener)
	assert.Equal(t, Main, c.Current())

	err = c.AdvanceTo(context.Background(), Shutdown)
	var ve *shutdown.VetoError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "B", ve.Participant)
	assert.Equal(t, Main, c.Current())
}

func TestController_CommitFailureStillEntersShutdown(t *testing.T) {
	coord := shutdown.NewCoordinator()
	errA := errors.New("flush failed")
	_, err := coord.RegisterFuncs("A", nil, func(context.Context) error { return errA }, false)
	require.NoError(t, err)
	c := NewController(newDispatcher(t), WithCoordinator(coord))

	var order []string
	c.OnPhaseEnter(Shutdown, func(context.Context) error {
		order = append(order, "listener")
		return nil
	})

	outcome, err := c.Shutdown(context.Background())
	var pf *shutdown.ParticipantFailure
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, err, errA)
	assert.True(t, outcome.Committed)
	assert.Equal(t, Shutdown, c.Current())
	assert.Equal(t, []string{"listener"}, order)
}

func TestController_ListenerFailure(t *testing.T) {
	c := NewController(newDispatcher(t))
	errListener := errors.New("bad listener")
	secondRan := false
	c.OnPhaseEnter(Startup, func(context.Context) error { return errListener })
	c.OnPhaseEnter(Startup, func(context.Context) error { panic("listener panic") })
	c.OnPhaseEnter(Startup, func(context.Context) error {
		secondRan = true
		return nil
	})

	err := c.AdvanceTo(context.Background(), Startup)
	var le *ListenerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, Startup, le.Phase)
	assert.ErrorIs(t, err, errListener)
	var pe *dispatch.PanicError
	assert.ErrorAs(t, err, &pe)
	assert.True(t, secondRan)
	assert.Equal(t, Startup, c.Current())
}

func TestController_TransitionFromListenerOnAffinity(t *testing.T) {
	c := NewController(newDispatcher(t))
	var nested error
	c.OnPhaseEnter(Startup, func(ctx context.Context) error {
		nested = c.AdvanceTo(ctx, Ready)
		return nil
	})

	require.NoError(t, c.AdvanceTo(context.Background(), Startup))
	assert.ErrorIs(t, nested, ErrTransitionInProgress)
	assert.Equal(t, Startup, c.Current())
}

func TestController_Wait(t *testing.T) {
	c := NewController(newDispatcher(t))

	reached := make(chan error, 1)
	go func() { reached <- c.Wait(context.Background(), Main) }()

	advanceThrough(t, c, Ready)
	select {
	case <-reached:
		t.Fatal("Wait returned before MAIN")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, c.AdvanceTo(context.Background(), Main))
	require.NoError(t, <-reached)

	assert.NoError(t, c.Wait(context.Background(), Startup))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Wait(ctx, Shutdown), context.Canceled)
}

func TestController_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	require.NoError(t, err)
	c := NewController(newDispatcher(t), WithMetrics(m))
	advanceThrough(t, c, Ready)

	expected := `
# HELP lifeline_phase_current Ordinal of the current application phase.
# TYPE lifeline_phase_current gauge
lifeline_phase_current 2
# HELP lifeline_phase_transitions_total Completed phase transitions, by entered phase.
# TYPE lifeline_phase_transitions_total counter
lifeline_phase_transitions_total{phase="INITIALIZE"} 1
lifeline_phase_transitions_total{phase="READY"} 1
lifeline_phase_transitions_total{phase="STARTUP"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lifeline_phase_current", "lifeline_phase_transitions_total"))
}
