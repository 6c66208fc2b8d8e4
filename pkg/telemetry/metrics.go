// Package telemetry exposes prometheus metrics for the session service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks service-level counters and gauges. A nil *Metrics is a
// no-op, so wiring telemetry stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated *prometheus.CounterVec
	sessionsActive  *prometheus.GaugeVec
	sessionsFailed  *prometheus.CounterVec
	sessionsEvicted prometheus.Counter

	actionsCaptured prometheus.Counter
	stepsReplayed   prometheus.Counter
	stepFailures    prometheus.Counter

	oracleCalls *prometheus.CounterVec
	driverCalls *prometheus.CounterVec

	eventsPublished    prometheus.Counter
	subscribersDropped prometheus.Counter

	convergenceOverall prometheus.Gauge
	convergenceStep    prometheus.Histogram

	guidanceRequests   prometheus.Counter
	guidanceStepScore  prometheus.Gauge
	guidanceDeviations prometheus.Counter
}

// NewMetrics creates and registers the metric set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_sessions_created_total",
			Help: "Sessions created, by kind.",
		}, []string{"kind"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parrot_sessions_active",
			Help: "Sessions in a non-terminal state, by kind.",
		}, []string{"kind"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_sessions_failed_total",
			Help: "Sessions that reached the failed state, by error kind.",
		}, []string{"error_kind"}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_sessions_evicted_total",
			Help: "Sessions removed by explicit evict or the idle sweep.",
		}),
		actionsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_actions_captured_total",
			Help: "Observed actions appended to capture session logs.",
		}),
		stepsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_replay_steps_total",
			Help: "Workflow steps executed by the replay pipeline.",
		}),
		stepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_replay_step_failures_total",
			Help: "Replay step failures, including retried ones.",
		}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_oracle_calls_total",
			Help: "Oracle invocations, by operation and outcome.",
		}, []string{"op", "status"}),
		driverCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parrot_driver_calls_total",
			Help: "Browser driver commands, by outcome.",
		}, []string{"status"}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_stream_events_published_total",
			Help: "Events published to session streams.",
		}),
		subscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_stream_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind.",
		}),
		convergenceOverall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parrot_convergence_overall_score",
			Help: "Most recent overall convergence score.",
		}),
		convergenceStep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parrot_convergence_step_score",
			Help:    "Distribution of per-step convergence scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		guidanceRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_guidance_requests_total",
			Help: "Coaching guidance requests served.",
		}),
		guidanceStepScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parrot_guidance_step_score",
			Help: "Most recent graded guidance step score.",
		}),
		guidanceDeviations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parrot_guidance_deviations_total",
			Help: "Graded guidance steps scoring below the deviation line.",
		}),
	}
	reg.MustRegister(
		m.sessionsCreated, m.sessionsActive, m.sessionsFailed, m.sessionsEvicted,
		m.actionsCaptured, m.stepsReplayed, m.stepFailures,
		m.oracleCalls, m.driverCalls,
		m.eventsPublished, m.subscribersDropped,
		m.convergenceOverall, m.convergenceStep,
		m.guidanceRequests, m.guidanceStepScore, m.guidanceDeviations,
	)
	return m
}

// Handler serves the metric set in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionCreated(kind string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(kind).Inc()
	m.sessionsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSessionTerminal(kind string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind).Dec()
}

func (m *Metrics) RecordSessionFailed(errorKind string) {
	if m == nil {
		return
	}
	m.sessionsFailed.WithLabelValues(errorKind).Inc()
}

func (m *Metrics) RecordSessionEvicted() {
	if m == nil {
		return
	}
	m.sessionsEvicted.Inc()
}

func (m *Metrics) RecordActionCaptured() {
	if m == nil {
		return
	}
	m.actionsCaptured.Inc()
}

func (m *Metrics) RecordStepReplayed() {
	if m == nil {
		return
	}
	m.stepsReplayed.Inc()
}

func (m *Metrics) RecordStepFailure() {
	if m == nil {
		return
	}
	m.stepFailures.Inc()
}

func (m *Metrics) RecordOracleCall(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.oracleCalls.WithLabelValues(op, status).Inc()
}

func (m *Metrics) RecordDriverCall(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.driverCalls.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) RecordSubscribersDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscribersDropped.Add(float64(n))
}

// RecordGuidance counts one coaching request. A non-nil score means the
// trainee's action was graded; scores under 0.5 count as deviations.
func (m *Metrics) RecordGuidance(score *float64) {
	if m == nil {
		return
	}
	m.guidanceRequests.Inc()
	if score == nil {
		return
	}
	m.guidanceStepScore.Set(*score)
	if *score < 0.5 {
		m.guidanceDeviations.Inc()
	}
}

func (m *Metrics) RecordConvergence(overall float64, perStep []float64) {
	if m == nil {
		return
	}
	m.convergenceOverall.Set(overall)
	for _, s := range perStep {
		m.convergenceStep.Observe(s)
	}
}
