// Package metrics exposes Prometheus collectors for scheduler activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conductor"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	dispatches    *prometheus.CounterVec
	retries       *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	gateDecisions *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name. Other registration errors
// panic. A nil reg means the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		dispatches: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "Node attempts handed to an executor.",
		}, []string{"role"})),
		retries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Node re-dispatches by cause.",
		}, []string{"cause"})),
		outcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_outcomes_total",
			Help:      "Nodes reaching a terminal status.",
		}, []string{"status"})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single executor attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role", "status"})),
		inFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "attempts_in_flight",
			Help:      "Executor attempts currently running.",
		})),
		gateDecisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Recorded gate decisions, including overrides.",
		}, []string{"decision"})),
		escalations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "ticket_levels_total",
			Help:      "Tickets opened or promoted, by level reached.",
		}, []string{"level"})),
		conflicts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "detected_total",
			Help:      "Sibling conflicts by category and outcome.",
		}, []string{"category", "outcome"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Dispatched counts one attempt for role.
func (m *Metrics) Dispatched(role string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(role).Inc()
	m.inFlight.Inc()
}

// AttemptFinished records an attempt's duration and releases its in-flight
// slot.
func (m *Metrics) AttemptFinished(role, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.taskDuration.WithLabelValues(role, status).Observe(d.Seconds())
}

// Retried counts a re-dispatch.
func (m *Metrics) Retried(cause string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(cause).Inc()
}

// Terminal counts a node reaching status.
func (m *Metrics) Terminal(status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
}

// GateDecision counts a gate decision.
func (m *Metrics) GateDecision(decision string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

// Escalated counts a ticket reaching level.
func (m *Metrics) Escalated(level string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(level).Inc()
}

// Conflict counts a detected conflict.
func (m *Metrics) Conflict(category, outcome string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(category, outcome).Inc()
}
