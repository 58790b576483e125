package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fit2garmin/throttle/pkg/constants"
)

// Metrics manages the Prometheus metrics for the throttle core.
type Metrics struct {
	Decisions      *prometheus.CounterVec
	FallbackSteps  *prometheus.CounterVec
	ProbeLatency   *prometheus.HistogramVec
	AnalyticsFlush *prometheus.CounterVec
	ActorEvictions prometheus.Counter
	Violations     *prometheus.CounterVec
}

// NewMetrics creates and registers the Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_decisions_total",
				Help: "Admission decisions by endpoint, strategy and result.",
			},
			[]string{"endpoint", "strategy", "result"},
		),
		FallbackSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_fallback_steps_total",
				Help: "Within-request strategy downgrades by origin strategy.",
			},
			[]string{"from", "to"},
		),
		ProbeLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "throttle_probe_latency_seconds",
				Help:    "Health probe round-trip latency per tier.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier", "result"},
		),
		AnalyticsFlush: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_analytics_flushes_total",
				Help: "Analytics batch flush attempts by result.",
			},
			[]string{"result"},
		),
		ActorEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "throttle_actor_evictions_total",
				Help: "Actor buckets evicted by the idle sweep.",
			},
		),
		Violations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_violations_total",
				Help: "Recorded quota violations by type.",
			},
			[]string{"type"},
		),
	}
}

// RecordDecision records one admission decision.
func (m *Metrics) RecordDecision(endpoint, strategy string, admitted bool) {
	if m == nil {
		return
	}
	result := "admitted"
	if !admitted {
		result = "rejected"
	}
	m.Decisions.WithLabelValues(endpoint, strategy, result).Inc()
}

// RecordFallback records a within-request strategy downgrade.
func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.FallbackSteps.WithLabelValues(from, to).Inc()
}

// RecordProbe records one health probe round trip.
func (m *Metrics) RecordProbe(tier constants.Tier, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProbeLatency.WithLabelValues(string(tier), result).Observe(d.Seconds())
}

// RecordFlush records one analytics flush attempt.
func (m *Metrics) RecordFlush(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AnalyticsFlush.WithLabelValues(result).Inc()
}

// RecordActorEvictions records actors removed by one idle sweep.
func (m *Metrics) RecordActorEvictions(n int64) {
	if m == nil {
		return
	}
	m.ActorEvictions.Add(float64(n))
}

// RecordViolation records one quota violation.
func (m *Metrics) RecordViolation(vt constants.ViolationType) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(string(vt)).Inc()
}
