// Package metrics defines the dispatcher's Prometheus instruments.
//
// All recording helpers are nil-safe so components can run without a
// registry (tests, one-shot CLI commands).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dispatcher.
type Metrics struct {
	// Admission control
	Admissions       *prometheus.CounterVec
	LimiterEntries   prometheus.Gauge
	LimiterEvictions prometheus.Counter

	// Classification
	Classifications *prometheus.CounterVec
	TierDuration    *prometheus.HistogramVec
	PatternCompiles *prometheus.CounterVec

	// Execution
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Summary locks
	LockAcquisitions *prometheus.CounterVec
	LockReleases     *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_admissions_total",
				Help: "Admission checks by outcome",
			},
			[]string{"outcome"},
		),
		LimiterEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_rate_limiter_entries",
			Help: "Number of cached per-project limiters",
		}),
		LimiterEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_rate_limiter_evictions_total",
			Help: "Limiters evicted because the cache was full",
		}),

		Classifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_classifications_total",
				Help: "Classification results by method",
			},
			[]string{"method"},
		),
		TierDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatcher_classification_tier_duration_seconds",
				Help:    "Time spent in each classification tier",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10), // 0.5ms to ~131s
			},
			[]string{"tier", "matched"},
		),
		PatternCompiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_pattern_compiles_total",
				Help: "Keyword pattern compilations by result",
			},
			[]string{"result"},
		),

		Executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_executions_total",
				Help: "Reasoning-model executions by terminal status and error code",
			},
			[]string{"status", "code"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatcher_execution_duration_seconds",
				Help:    "Wall-clock duration of reasoning-model executions",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to 512s
			},
			[]string{"status"},
		),

		LockAcquisitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_summary_lock_acquisitions_total",
				Help: "Summary lock acquire attempts by outcome",
			},
			[]string{"outcome"},
		),
		LockReleases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_summary_lock_releases_total",
				Help: "Summary lock release attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordAdmission counts one admission check.
func (m *Metrics) RecordAdmission(admitted bool) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome(admitted, "admit", "reject")).Inc()
}

// SetLimiterEntries reports the limiter cache size.
func (m *Metrics) SetLimiterEntries(n int) {
	if m == nil {
		return
	}
	m.LimiterEntries.Set(float64(n))
}

// RecordEviction counts one limiter eviction.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.LimiterEvictions.Inc()
}

// RecordClassification counts a final classification result.
func (m *Metrics) RecordClassification(method string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(method).Inc()
}

// ObserveTier records time spent in one tier.
func (m *Metrics) ObserveTier(tier string, matched bool, d time.Duration) {
	if m == nil {
		return
	}
	m.TierDuration.WithLabelValues(tier, outcome(matched, "true", "false")).Observe(d.Seconds())
}

// RecordPatternCompile counts one pattern compilation.
func (m *Metrics) RecordPatternCompile(ok bool) {
	if m == nil {
		return
	}
	m.PatternCompiles.WithLabelValues(outcome(ok, "ok", "invalid")).Inc()
}

// RecordExecution counts one finished execution.
func (m *Metrics) RecordExecution(status, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(status, code).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordLockAcquire counts one acquire attempt.
func (m *Metrics) RecordLockAcquire(acquired bool) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(outcome(acquired, "acquired", "contended")).Inc()
}

// RecordLockRelease counts one release attempt.
func (m *Metrics) RecordLockRelease(released bool) {
	if m == nil {
		return
	}
	m.LockReleases.WithLabelValues(outcome(released, "released", "mismatch")).Inc()
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
