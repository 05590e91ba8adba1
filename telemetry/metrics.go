// Package telemetry holds the Prometheus collectors and OpenTelemetry helpers shared by the runtime
// components. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lifeline"

// Metrics groups the collectors exported by the dispatcher, phase controller and shutdown coordinator.
type Metrics struct {
	dispatched         *prometheus.CounterVec
	failed             *prometheus.CounterVec
	affinityQueueDepth prometheus.Gauge
	currentPhase       prometheus.Gauge
	transitions        *prometheus.CounterVec
	shutdownOutcomes   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Collectors already registered by a previous call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Tasks handed to the dispatcher, by target and mode.",
		}, []string{"target", "mode"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "task_failures_total",
			Help:      "Dispatched tasks that returned an error or panicked, by target.",
		}, []string{"target"}),
		affinityQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "affinity_queue_depth",
			Help:      "Tasks waiting for the affinity goroutine.",
		}),
		currentPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "current",
			Help:      "Ordinal of the current application phase.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "transitions_total",
			Help:      "Completed phase transitions, by entered phase.",
		}, []string{"phase"}),
		shutdownOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shutdown",
			Name:      "attempts_total",
			Help:      "Shutdown attempts, by outcome (vetoed, committed, failed).",
		}, []string{"outcome"}),
	}

	var err error
	m.dispatched, err = register(reg, m.dispatched)
	if err != nil {
		return nil, err
	}
	m.failed, err = register(reg, m.failed)
	if err != nil {
		return nil, err
	}
	m.affinityQueueDepth, err = register(reg, m.affinityQueueDepth)
	if err != nil {
		return nil, err
	}
	m.currentPhase, err = register(reg, m.currentPhase)
	if err != nil {
		return nil, err
	}
	m.transitions, err = register(reg, m.transitions)
	if err != nil {
		return nil, err
	}
	m.shutdownOutcomes, err = register(reg, m.shutdownOutcomes)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the existing collector when an identical one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// TaskDispatched counts a task handed to target ("affinity" or "background") in mode ("sync" or "async").
func (m *Metrics) TaskDispatched(target, mode string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(target, mode).Inc()
}

// TaskFailed counts a task whose work failed on target.
func (m *Metrics) TaskFailed(target string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(target).Inc()
}

// SetAffinityQueueDepth records the number of queued affinity tasks.
func (m *Metrics) SetAffinityQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.affinityQueueDepth.Set(float64(depth))
}

// PhaseEntered records a completed transition into phase.
func (m *Metrics) PhaseEntered(ordinal int, phase string) {
	if m == nil {
		return
	}
	m.currentPhase.Set(float64(ordinal))
	m.transitions.WithLabelValues(phase).Inc()
}

// ShutdownAttempt counts a shutdown attempt by outcome.
func (m *Metrics) ShutdownAttempt(outcome string) {
	if m == nil {
		return
	}
	m.shutdownOutcomes.WithLabelValues(outcome).Inc()
}
