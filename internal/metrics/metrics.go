// Package metrics defines the Prometheus collectors for the KYC workflow,
// intent routing, and the session transport.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "efund"

// Metrics holds all Prometheus collectors for the application. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	WorkflowRuns   *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	StepFallbacks  *prometheus.CounterVec
	IntentDecision *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	SocketEvents   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		WorkflowRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "KYC workflow runs by terminal status.",
		}, []string{"status"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Wall-clock duration of each KYC workflow step.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
		}, []string{"step"}),
		StepFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_fallbacks_total",
			Help:      "Workflow steps that substituted their default output, by cause.",
		}, []string{"step", "reason"}),
		IntentDecision: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_decisions_total",
			Help:      "Intent classification outcomes.",
		}, []string{"intent"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Conversation sessions currently held in the registry.",
		}),
		SocketEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_events_total",
			Help:      "Inbound session protocol events by name.",
		}, []string{"event"}),
	}
}

// ObserveRun counts a finished workflow run.
func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.WorkflowRuns.WithLabelValues(status).Inc()
}

// ObserveStep records how long a step took.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveFallback counts a step that fell back to its default output.
func (m *Metrics) ObserveFallback(step, reason string) {
	if m == nil {
		return
	}
	m.StepFallbacks.WithLabelValues(step, reason).Inc()
}

// ObserveIntent counts an intent decision.
func (m *Metrics) ObserveIntent(intent string) {
	if m == nil {
		return
	}
	m.IntentDecision.WithLabelValues(intent).Inc()
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveSocketEvent counts an inbound protocol event.
func (m *Metrics) ObserveSocketEvent(event string) {
	if m == nil {
		return
	}
	m.SocketEvents.WithLabelValues(event).Inc()
}
