package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/net/ratelimit"
	"github.com/candlevault/candlevault/internal/telemetry"
)

type recordingAudit struct {
	entries []models.AuditEntry
}

func (r *recordingAudit) AppendAuditEntry(ctx context.Context, e models.AuditEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func testClient(t *testing.T, baseURL string) (*Client, *recordingAudit) {
	t.Helper()
	cfg := config.Default().Upstream
	cfg.BaseURL = baseURL
	cfg.APIKey = "test-key"
	cfg.CallTimeout = 5 * time.Second

	audit := &recordingAudit{}
	c := NewClient(cfg, ratelimit.NewLimiter(0, 0, 100), nil, audit, telemetry.NewMetrics())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c, audit
}

func candleBody(quota int, candles ...wireCandle) []byte {
	body, _ := json.Marshal(candleEnvelope{Status: "ok", Results: candles, QuotaRemaining: quota})
	return body
}

func janRange() models.DateRange {
	return models.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchCandles_SortsAscending(t *testing.T) {
	day1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stocks/AAPL/candles", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write(candleBody(42,
			wireCandle{Timestamp: day2.UnixMilli(), Open: 101, High: 102, Low: 100, Close: 101.5, Volume: 2000},
			wireCandle{Timestamp: day1.UnixMilli(), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000},
		))
	}))
	defer srv.Close()

	c, audit := testClient(t, srv.URL)
	got, err := c.FetchCandles(context.Background(), "AAPL", models.AssetStock, models.Timeframe1d, janRange())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day1, got[0].Timestamp)
	assert.Equal(t, day2, got[1].Timestamp)
	assert.Equal(t, "AAPL", got[0].Symbol)

	require.Len(t, audit.entries, 1)
	assert.True(t, audit.entries[0].Success)
	assert.Equal(t, 2, audit.entries[0].RecordsFetched)
	assert.Equal(t, 42, audit.entries[0].QuotaRemaining)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.UpstreamCalls.WithLabelValues("/v1/stocks/AAPL/candles", "success")))
}

func TestFetchCandles_CryptoRoute(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write(candleBody(10))
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	_, err := c.FetchCandles(context.Background(), "BTC-USD", models.AssetCrypto, models.Timeframe1h, janRange())
	require.NoError(t, err)
	assert.Equal(t, "/v1/crypto/BTC-USD/candles", path)
}

func TestFetchCandles_EmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(candleBody(10))
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	got, err := c.FetchCandles(context.Background(), "AAPL", models.AssetStock, models.Timeframe1d, janRange())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchCandles_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(candleBody(5, wireCandle{Timestamp: day.UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}))
	}))
	defer srv.Close()

	c, audit := testClient(t, srv.URL)
	got, err := c.FetchCandles(context.Background(), "AAPL", models.AssetStock, models.Timeframe1d, janRange())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	// Every attempt leaves its own audit entry, failures included.
	require.Len(t, audit.entries, 3)
	assert.False(t, audit.entries[0].Success)
	assert.Contains(t, audit.entries[0].Error, "429")
	assert.False(t, audit.entries[1].Success)
	assert.True(t, audit.entries[2].Success)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.UpstreamCalls.WithLabelValues("/v1/stocks/AAPL/candles", "upstream_rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.UpstreamCalls.WithLabelValues("/v1/stocks/AAPL/candles", "success")))

	var waits dto.Metric
	require.NoError(t, c.metrics.RateLimitWait.Write(&waits))
	assert.EqualValues(t, 3, waits.GetHistogram().GetSampleCount())
}

func TestFetchCandles_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, audit := testClient(t, srv.URL)
	_, err := c.FetchCandles(context.Background(), "AAPL", models.AssetStock, models.Timeframe1d, janRange())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrUpstreamTransient))
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls)) // 1 initial + 3 retries

	require.Len(t, audit.entries, 4) // one per attempt
	for _, e := range audit.entries {
		assert.False(t, e.Success)
		assert.NotEmpty(t, e.Error)
	}
}

func TestFetchCandles_ForbiddenNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	_, err := c.FetchCandles(context.Background(), "AAPL", models.AssetStock, models.Timeframe1d, janRange())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrUpstreamForbidden))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFetchCandles_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	_, err := c.FetchCandles(context.Background(), "GONE", models.AssetStock, models.Timeframe1d, janRange())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrUpstreamNotFound))
	assert.False(t, models.Retryable(err))
}

func TestFetchDividends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stocks/AAPL/dividends", r.URL.Path)
		json.NewEncoder(w).Encode(dividendEnvelope{
			Status: "ok",
			Results: []wireDividend{{
				ExDate:     "2024-02-09",
				PayDate:    "2024-02-15",
				CashAmount: 0.24,
				Frequency:  4,
			}},
		})
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	got, err := c.FetchDividends(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC), got[0].ExDate)
	assert.InDelta(t, 0.24, got[0].CashAmount, 1e-9)
}

func TestFetchSplits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(splitEnvelope{
			Status:  "ok",
			Results: []wireSplit{{ExecutionDate: "2020-08-31", SplitFrom: 1, SplitTo: 4}},
		})
	}))
	defer srv.Close()

	c, _ := testClient(t, srv.URL)
	got, err := c.FetchSplits(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 4, got[0].SplitTo, 1e-9)
}

func TestBackoffCappedAtMax(t *testing.T) {
	cfg := config.Default().Upstream
	cfg.RetryMinWait = 2 * time.Second
	cfg.RetryMaxWait = 10 * time.Second
	c := NewClient(cfg, ratelimit.NewLimiter(0, 0, 1), nil, nil, nil)

	assert.Equal(t, 2*time.Second, c.backoff(1))
	assert.Equal(t, 4*time.Second, c.backoff(2))
	assert.Equal(t, 8*time.Second, c.backoff(3))
	assert.Equal(t, 10*time.Second, c.backoff(4))
	assert.Equal(t, 10*time.Second, c.backoff(9))
}

func TestFetchCandles_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := testClient(t, srv.URL)
	_, err := c.FetchCandles(ctx, "AAPL", models.AssetStock, models.Timeframe1d, janRange())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrCancelled))
}
