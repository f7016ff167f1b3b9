// Package metrics exposes the engine's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Side-effect kinds counted on failure.
const (
	SideEffectNotification = "notification"
	SideEffectCallback     = "status_callback"
	SideEffectAudit        = "audit"
)

type Metrics struct {
	instancesStarted   *prometheus.CounterVec
	instancesFinalized *prometheus.CounterVec
	decisions          *prometheus.CounterVec
	decisionDuration   prometheus.Histogram
	sideEffectFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		instancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instances_started_total",
			Help: "Workflow instances started, by request type.",
		}, []string{"request_type"}),
		instancesFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instances_finalized_total",
			Help: "Workflow instances that reached a terminal status, by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Decisions processed, by action and result code.",
		}, []string{"action", "result"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approval_decision_duration_seconds",
			Help:    "Time spent processing one decision.",
			Buckets: prometheus.DefBuckets,
		}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_side_effect_failures_total",
			Help: "Failed best-effort side effects, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.instancesStarted, m.instancesFinalized, m.decisions, m.decisionDuration, m.sideEffectFailures)
	return m
}

func (m *Metrics) InstanceStarted(requestType string) {
	if m == nil {
		return
	}
	m.instancesStarted.WithLabelValues(requestType).Inc()
}

func (m *Metrics) InstanceFinalized(outcome string) {
	if m == nil {
		return
	}
	m.instancesFinalized.WithLabelValues(outcome).Inc()
}

// Decision records one processed decision. result is "ok" or an error code.
func (m *Metrics) Decision(action, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, result).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SideEffectFailed(kind string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(kind).Inc()
}
