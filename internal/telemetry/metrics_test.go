package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIngest_CountsAndStalenessClock(t *testing.T) {
	m := NewMetrics()

	m.RecordIngest("AAPL", "1d", 250)
	m.RecordIngest("AAPL", "1d", 5)
	m.RecordIngest("AAPL", "1d", 0) // no-op

	c, err := m.CandlesIngested.GetMetricWithLabelValues("AAPL", "1d")
	require.NoError(t, err)
	assert.InDelta(t, 255, testutil.ToFloat64(c), 1e-9)

	alerts := m.Evaluate(DefaultThresholds(), time.Now())
	assert.Empty(t, alerts)
}

func TestEvaluate_DataStaleness(t *testing.T) {
	m := NewMetrics()
	m.RecordIngest("AAPL", "1d", 1)

	alerts := m.Evaluate(DefaultThresholds(), time.Now().Add(31*time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, "data_staleness", alerts[0].Rule)
}

func TestEvaluate_SchedulerLiveness(t *testing.T) {
	m := NewMetrics()

	// Quiet before the first fire.
	assert.Empty(t, m.Evaluate(DefaultThresholds(), time.Now().Add(100*time.Hour)))

	m.RecordSchedulerFire()
	alerts := m.Evaluate(DefaultThresholds(), time.Now().Add(27*time.Hour))
	require.Len(t, alerts, 1)
	assert.Equal(t, "scheduler_liveness", alerts[0].Rule)
}

func TestEvaluate_UnitErrorRate(t *testing.T) {
	m := NewMetrics()

	m.RecordUnit("completed", time.Second)
	m.RecordUnit("failed", time.Second)
	// Too few units to judge.
	assert.Empty(t, m.Evaluate(DefaultThresholds(), time.Now()))

	m.RecordUnit("failed", time.Second)
	m.RecordUnit("failed", time.Second)
	alerts := m.Evaluate(DefaultThresholds(), time.Now())
	require.Len(t, alerts, 1)
	assert.Equal(t, "unit_error_rate", alerts[0].Rule)
}

func TestRecordUpstreamCall_HistogramObserved(t *testing.T) {
	m := NewMetrics()
	m.RecordUpstreamCall("/v1/stocks/AAPL/candles", "success", 750*time.Millisecond)
	m.RecordUpstreamCall("/v1/stocks/AAPL/candles", "success", 250*time.Millisecond)

	h, err := m.UpstreamDuration.GetMetricWithLabelValues("/v1/stocks/AAPL/candles")
	require.NoError(t, err)

	var metric dto.Metric
	require.NoError(t, h.(interface{ Write(*dto.Metric) error }).Write(&metric))
	assert.EqualValues(t, 2, metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 1.0, metric.GetHistogram().GetSampleSum(), 1e-9)
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	m := NewMetrics()
	m.JobsStarted.Inc()

	count, err := testutil.GatherAndCount(m.registry, "candlevault_jobs_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NotNil(t, m.Handler())
}
