// Package telemetry holds the Prometheus registry and alert evaluation for
// the warehouse. Every counter in the pipeline goes through Metrics so the
// ops endpoint exposes one consistent surface.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for CandleVault.
type Metrics struct {
	registry *prometheus.Registry

	// Upstream call metrics
	UpstreamCalls    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	RateLimitWait    prometheus.Histogram

	// Ingestion metrics
	CandlesIngested  *prometheus.CounterVec
	ValidationFails  *prometheus.CounterVec
	GapsDetected     *prometheus.CounterVec
	GapsFilled       prometheus.Counter
	VolumeAnomalies  prometheus.Counter

	// Job metrics
	JobsStarted   prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	UnitDuration  *prometheus.HistogramVec
	ActiveSymbols prometheus.Gauge

	// Scheduler metrics
	SchedulerFires   prometheus.Counter
	SchedulerMisses  prometheus.Counter
	SchedulerSkips   prometheus.Counter

	mu            sync.Mutex
	lastIngestAt  time.Time
	lastFireAt    time.Time
	unitTotal     int64
	unitFailed    int64
}

// NewMetrics builds the registry with every warehouse metric registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		UpstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_upstream_calls_total",
				Help: "Total upstream provider calls by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),

		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlevault_upstream_duration_seconds",
				Help:    "Upstream call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		RateLimitWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "candlevault_rate_limit_wait_seconds",
				Help:    "Time spent waiting for a rate limiter token",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 12, 30, 60},
			},
		),

		CandlesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_candles_ingested_total",
				Help: "Total candles upserted by symbol and timeframe",
			},
			[]string{"symbol", "timeframe"},
		),

		ValidationFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_validation_failures_total",
				Help: "Total candles rejected by the validator by check",
			},
			[]string{"check"},
		),

		GapsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_gaps_detected_total",
				Help: "Total gaps detected by severity band",
			},
			[]string{"severity"},
		),

		GapsFilled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_gaps_filled_total",
				Help: "Total gaps filled by the retry pass",
			},
		),

		VolumeAnomalies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_volume_anomalies_total",
				Help: "Total volume anomalies flagged",
			},
		),

		JobsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_jobs_started_total",
				Help: "Total backfill jobs started",
			},
		),

		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlevault_jobs_completed_total",
				Help: "Total backfill jobs finished by terminal status",
			},
			[]string{"status"},
		),

		UnitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlevault_unit_duration_seconds",
				Help:    "Work unit duration in seconds by result",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"result"},
		),

		ActiveSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "candlevault_active_symbols",
				Help: "Number of symbols currently being backfilled",
			},
		),

		SchedulerFires: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_scheduler_fires_total",
				Help: "Total scheduled job triggers fired",
			},
		),

		SchedulerMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_scheduler_misses_total",
				Help: "Total scheduled triggers skipped past the misfire grace",
			},
		),

		SchedulerSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "candlevault_scheduler_overlap_skips_total",
				Help: "Total scheduled triggers skipped because a job was already running",
			},
		),
	}

	m.registry.MustRegister(
		m.UpstreamCalls,
		m.UpstreamDuration,
		m.RateLimitWait,
		m.CandlesIngested,
		m.ValidationFails,
		m.GapsDetected,
		m.GapsFilled,
		m.VolumeAnomalies,
		m.JobsStarted,
		m.JobsCompleted,
		m.UnitDuration,
		m.ActiveSymbols,
		m.SchedulerFires,
		m.SchedulerMisses,
		m.SchedulerSkips,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUpstreamCall records one provider call outcome.
func (m *Metrics) RecordUpstreamCall(endpoint, result string, duration time.Duration) {
	m.UpstreamCalls.WithLabelValues(endpoint, result).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordIngest records an upsert batch and refreshes the staleness clock.
func (m *Metrics) RecordIngest(symbol, timeframe string, count int) {
	if count <= 0 {
		return
	}
	m.CandlesIngested.WithLabelValues(symbol, timeframe).Add(float64(count))

	m.mu.Lock()
	m.lastIngestAt = time.Now()
	m.mu.Unlock()
}

// RecordUnit records one work unit outcome for the error-rate alert.
func (m *Metrics) RecordUnit(result string, duration time.Duration) {
	m.UnitDuration.WithLabelValues(result).Observe(duration.Seconds())

	m.mu.Lock()
	m.unitTotal++
	if result == "failed" {
		m.unitFailed++
	}
	m.mu.Unlock()
}

// RecordSchedulerFire refreshes the scheduler liveness clock.
func (m *Metrics) RecordSchedulerFire() {
	m.SchedulerFires.Inc()

	m.mu.Lock()
	m.lastFireAt = time.Now()
	m.mu.Unlock()
}

// Alert is one fired alert rule.
type Alert struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// AlertThresholds bound the built-in rules.
type AlertThresholds struct {
	MaxUnitErrorRate  float64
	MaxIngestStale    time.Duration
	MaxSchedulerStale time.Duration
}

// DefaultThresholds covers a daily-scheduled warehouse.
func DefaultThresholds() AlertThresholds {
	return AlertThresholds{
		MaxUnitErrorRate:  0.25,
		MaxIngestStale:    30 * time.Hour,
		MaxSchedulerStale: 26 * time.Hour,
	}
}

// Evaluate checks the alert rules against current state. Staleness rules
// stay quiet until a first ingest or fire has been observed.
func (m *Metrics) Evaluate(th AlertThresholds, now time.Time) []Alert {
	m.mu.Lock()
	lastIngest := m.lastIngestAt
	lastFire := m.lastFireAt
	total, failed := m.unitTotal, m.unitFailed
	m.mu.Unlock()

	var alerts []Alert

	if total >= 4 {
		rate := float64(failed) / float64(total)
		if rate > th.MaxUnitErrorRate {
			alerts = append(alerts, Alert{
				Rule:    "unit_error_rate",
				Message: "work unit error rate above threshold",
			})
		}
	}

	if !lastIngest.IsZero() && now.Sub(lastIngest) > th.MaxIngestStale {
		alerts = append(alerts, Alert{
			Rule:    "data_staleness",
			Message: "no candles ingested within the staleness window",
		})
	}

	if !lastFire.IsZero() && now.Sub(lastFire) > th.MaxSchedulerStale {
		alerts = append(alerts, Alert{
			Rule:    "scheduler_liveness",
			Message: "scheduler has not fired within the liveness window",
		})
	}

	for _, a := range alerts {
		log.Warn().Str("rule", a.Rule).Msg(a.Message)
	}
	return alerts
}
