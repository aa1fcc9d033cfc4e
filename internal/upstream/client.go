// Package upstream adapts the marketfeed HTTP API. All provider access in
// the process funnels through one Client so the rate budget, retry policy,
// and circuit breaker apply uniformly.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/net/ratelimit"
	"github.com/candlevault/candlevault/internal/telemetry"
)

// AuditSink receives one record per provider attempt, retries included. The
// postgres audit repository satisfies it.
type AuditSink interface {
	AppendAuditEntry(ctx context.Context, e models.AuditEntry) error
}

// Client is the marketfeed adapter. Safe for concurrent use.
type Client struct {
	cfg     config.UpstreamConfig
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	cache   *ResponseCache
	audit   AuditSink
	metrics *telemetry.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds the provider adapter. cache, audit, and metrics may be nil.
func NewClient(cfg config.UpstreamConfig, limiter *ratelimit.Limiter, cache *ResponseCache, audit AuditSink, metrics *telemetry.Metrics) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		limiter: limiter,
		cache:   cache,
		audit:   audit,
		metrics: metrics,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "marketfeed",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Typed client errors say the request was wrong, not that
				// the provider is down.
				switch models.KindOf(err) {
				case models.ErrUpstreamBadRequest, models.ErrUpstreamNotFound, models.ErrUpstreamForbidden:
					return true
				}
				return err == nil
			},
		}),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FetchCandles returns raw unadjusted candles for the window, ascending by
// timestamp. An empty window yields an empty slice, not an error.
func (c *Client) FetchCandles(ctx context.Context, symbol string, class models.AssetClass, tf models.Timeframe, rng models.DateRange) ([]models.RawCandle, error) {
	return c.fetchAggregates(ctx, symbol, class, tf, rng, false)
}

// FetchAdjustedCandles returns split- and dividend-adjusted candles.
func (c *Client) FetchAdjustedCandles(ctx context.Context, symbol string, class models.AssetClass, tf models.Timeframe, rng models.DateRange) ([]models.RawCandle, error) {
	return c.fetchAggregates(ctx, symbol, class, tf, rng, true)
}

func (c *Client) fetchAggregates(ctx context.Context, symbol string, class models.AssetClass, tf models.Timeframe, rng models.DateRange, adjusted bool) ([]models.RawCandle, error) {
	key := candleCacheKey(symbol, class, tf, rng, adjusted)
	if cached, ok := c.cache.Get(ctx, key); ok {
		log.Debug().Str("symbol", symbol).Str("timeframe", string(tf)).Msg("candle cache hit")
		return cached, nil
	}

	endpoint := c.candlePath(symbol, class)
	q := url.Values{}
	q.Set("timeframe", string(tf))
	q.Set("start", rng.Start.UTC().Format("2006-01-02"))
	q.Set("end", rng.End.UTC().Format("2006-01-02"))
	q.Set("adjusted", fmt.Sprintf("%t", adjusted))

	var env candleEnvelope
	if err := c.call(ctx, symbol, tf, endpoint, q, &env, func() int { return len(env.Results) }); err != nil {
		return nil, err
	}

	out := make([]models.RawCandle, 0, len(env.Results))
	for _, w := range env.Results {
		out = append(out, w.toRaw(symbol))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	c.cache.Put(ctx, key, out)
	return out, nil
}

func (c *Client) candlePath(symbol string, class models.AssetClass) string {
	if class == models.AssetCrypto {
		return fmt.Sprintf("/v1/crypto/%s/candles", url.PathEscape(symbol))
	}
	return fmt.Sprintf("/v1/stocks/%s/candles", url.PathEscape(symbol))
}

// FetchDividends returns the symbol's dividend history.
func (c *Client) FetchDividends(ctx context.Context, symbol string) ([]models.Dividend, error) {
	var env dividendEnvelope
	endpoint := fmt.Sprintf("/v1/stocks/%s/dividends", url.PathEscape(symbol))
	if err := c.call(ctx, symbol, "", endpoint, nil, &env, func() int { return len(env.Results) }); err != nil {
		return nil, err
	}
	out := make([]models.Dividend, 0, len(env.Results))
	for _, w := range env.Results {
		out = append(out, models.Dividend{
			Symbol:      symbol,
			ExDate:      parseDay(w.ExDate),
			PayDate:     parseDay(w.PayDate),
			CashAmount:  w.CashAmount,
			DeclaredAt:  parseDay(w.DeclaredAt),
			Frequency:   w.Frequency,
			Description: w.Description,
		})
	}
	return out, nil
}

// FetchSplits returns the symbol's split history.
func (c *Client) FetchSplits(ctx context.Context, symbol string) ([]models.Split, error) {
	var env splitEnvelope
	endpoint := fmt.Sprintf("/v1/stocks/%s/splits", url.PathEscape(symbol))
	if err := c.call(ctx, symbol, "", endpoint, nil, &env, func() int { return len(env.Results) }); err != nil {
		return nil, err
	}
	out := make([]models.Split, 0, len(env.Results))
	for _, w := range env.Results {
		out = append(out, models.Split{
			Symbol:        symbol,
			ExecutionDate: parseDay(w.ExecutionDate),
			SplitFrom:     w.SplitFrom,
			SplitTo:       w.SplitTo,
		})
	}
	return out, nil
}

// FetchEarnings returns the symbol's reported earnings history.
func (c *Client) FetchEarnings(ctx context.Context, symbol string) ([]models.Earnings, error) {
	var env earningsEnvelope
	endpoint := fmt.Sprintf("/v1/stocks/%s/earnings", url.PathEscape(symbol))
	if err := c.call(ctx, symbol, "", endpoint, nil, &env, func() int { return len(env.Results) }); err != nil {
		return nil, err
	}
	out := make([]models.Earnings, 0, len(env.Results))
	for _, w := range env.Results {
		out = append(out, models.Earnings{
			Symbol:       symbol,
			PeriodEnd:    parseDay(w.PeriodEnd),
			ReportedAt:   parseDay(w.ReportedAt),
			EPSEstimate:  w.EPSEstimate,
			EPSActual:    w.EPSActual,
			RevenueUSD:   w.RevenueUSD,
			FiscalPeriod: w.FiscalPeriod,
		})
	}
	return out, nil
}

// FetchOptionsChainSnapshot returns the current options chain for symbol.
func (c *Client) FetchOptionsChainSnapshot(ctx context.Context, symbol string) (models.OptionsSnapshot, error) {
	var env optionsEnvelope
	endpoint := fmt.Sprintf("/v1/options/%s/chain", url.PathEscape(symbol))
	if err := c.call(ctx, symbol, "", endpoint, nil, &env, func() int { return len(env.Results) }); err != nil {
		return models.OptionsSnapshot{}, err
	}
	snap := models.OptionsSnapshot{Symbol: symbol, AsOf: c.now().UTC()}
	for _, w := range env.Results {
		snap.Contracts = append(snap.Contracts, models.OptionContract{
			Ticker:       w.Ticker,
			Type:         w.Type,
			Strike:       w.Strike,
			Expiration:   parseDay(w.Expiration),
			OpenInterest: w.OpenInterest,
			ImpliedVol:   w.ImpliedVol,
		})
	}
	return snap, nil
}

// call runs one logical provider call, retrying transient failures with
// capped exponential backoff. Each attempt is a full round trip with its own
// limiter token, metrics sample, and audit entry.
func (c *Client) call(ctx context.Context, symbol string, tf models.Timeframe, endpoint string, q url.Values, dst interface{}, fetched func() int) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Dur("wait", wait).Msg("retrying upstream call")
			if err := c.sleep(ctx, wait); err != nil {
				return models.WrapKind(models.ErrCancelled, err)
			}
		}

		err := c.attempt(ctx, symbol, tf, endpoint, q, dst, fetched)
		if err == nil {
			return nil
		}
		lastErr = err
		if !models.Retryable(err) {
			return err
		}
	}
	return lastErr
}

// attempt is one provider round trip.
func (c *Client) attempt(ctx context.Context, symbol string, tf models.Timeframe, endpoint string, q url.Values, dst interface{}, fetched func() int) error {
	waitStart := c.now()
	if err := c.limiter.Acquire(ctx); err != nil {
		return models.WrapKind(models.ErrCancelled, err)
	}
	if c.metrics != nil {
		c.metrics.RateLimitWait.Observe(c.now().Sub(waitStart).Seconds())
	}

	started := c.now()
	quota := -1
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doOnce(ctx, endpoint, q, dst, &quota)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = models.WrapKind(models.ErrUpstreamTransient, err)
	}
	elapsed := c.now().Sub(started)

	if c.metrics != nil {
		result := "success"
		if err != nil {
			result = "error"
			if kind := models.KindOf(err); kind != "" {
				result = string(kind)
			}
		}
		c.metrics.RecordUpstreamCall(endpoint, result, elapsed)
	}

	if c.audit != nil {
		entry := models.AuditEntry{
			Symbol:         symbol,
			Timeframe:      tf,
			Endpoint:       endpoint,
			FetchedAt:      started.UTC(),
			ResponseTime:   elapsed,
			Success:        err == nil,
			QuotaRemaining: quota,
		}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.RecordsFetched = fetched()
		}
		if auditErr := c.audit.AppendAuditEntry(ctx, entry); auditErr != nil {
			log.Warn().Err(auditErr).Str("endpoint", endpoint).Msg("audit append failed")
		}
	}
	return err
}

// backoff doubles from RetryMinWait, capped at RetryMaxWait.
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.cfg.RetryMinWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= c.cfg.RetryMaxWait {
			return c.cfg.RetryMaxWait
		}
	}
	if max := c.cfg.RetryMaxWait; wait > max {
		wait = max
	}
	return wait
}

func (c *Client) doOnce(ctx context.Context, endpoint string, q url.Values, dst interface{}, quota *int) error {
	u := c.cfg.BaseURL + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.WrapKind(models.ErrUpstreamBadRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return models.WrapKind(models.ErrCancelled, err)
		}
		return models.WrapKind(models.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, endpoint); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return models.Errorf(models.ErrUpstreamTransient, "decode %s response: %v", endpoint, err)
	}
	if quota != nil {
		*quota = quotaFrom(dst)
	}
	return nil
}

func classifyStatus(code int, endpoint string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest:
		return models.Errorf(models.ErrUpstreamBadRequest, "%s: status 400", endpoint)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return models.Errorf(models.ErrUpstreamForbidden, "%s: status %d", endpoint, code)
	case code == http.StatusNotFound:
		return models.Errorf(models.ErrUpstreamNotFound, "%s: status 404", endpoint)
	case code == http.StatusTooManyRequests:
		return models.Errorf(models.ErrUpstreamRateLimited, "%s: status 429", endpoint)
	case code >= 500:
		return models.Errorf(models.ErrUpstreamTransient, "%s: status %d", endpoint, code)
	}
	return models.Errorf(models.ErrUpstreamBadRequest, "%s: unexpected status %d", endpoint, code)
}

func quotaFrom(dst interface{}) int {
	switch env := dst.(type) {
	case *candleEnvelope:
		return env.QuotaRemaining
	case *dividendEnvelope:
		return env.QuotaRemaining
	case *splitEnvelope:
		return env.QuotaRemaining
	case *earningsEnvelope:
		return env.QuotaRemaining
	case *optionsEnvelope:
		return env.QuotaRemaining
	}
	return -1
}
