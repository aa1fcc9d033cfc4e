// Package ratelimit gates upstream provider calls behind a token bucket
// sized to the contracted requests-per-window budget. Every upstream call
// acquires a token before issuing; the limiter is the single serialization
// point for provider load.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a process-wide token bucket. Waiters are served FIFO.
type Limiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	perWindow int
	window    time.Duration
	burst     int
}

// NewLimiter builds a limiter allowing perWindow acquisitions per window,
// with the given burst capacity. A burst below 1 is raised to 1.
func NewLimiter(perWindow int, window time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:   perWindowLimiter(perWindow, window, burst),
		perWindow: perWindow,
		window:    window,
		burst:     burst,
	}
}

func perWindowLimiter(perWindow int, window time.Duration, burst int) *rate.Limiter {
	return rate.NewLimiter(perWindowLimit(perWindow, window), burst)
}

func perWindowLimit(perWindow int, window time.Duration) rate.Limit {
	if perWindow <= 0 || window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(perWindow) / window.Seconds())
}

// Acquire blocks until a token is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()
	return lim.Wait(ctx)
}

// TryAcquire takes a token without blocking, reporting whether one was
// available.
func (l *Limiter) TryAcquire() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// SetBudget replaces the rate and burst at runtime, e.g. after the provider
// reports a changed quota.
func (l *Limiter) SetBudget(perWindow int, window time.Duration, burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perWindow = perWindow
	l.window = window
	l.burst = burst
	l.limiter.SetLimit(perWindowLimit(perWindow, window))
	l.limiter.SetBurst(burst)
}

// Stats describes the limiter's current budget and token level.
type Stats struct {
	PerWindow       int           `json:"per_window"`
	Window          time.Duration `json:"window"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := l.limiter.Reserve()
	delay := res.Delay()
	res.Cancel()

	return Stats{
		PerWindow:       l.perWindow,
		Window:          l.window,
		Burst:           l.burst,
		TokensAvailable: l.limiter.Tokens(),
		NextAllowedAt:   time.Now().Add(delay),
	}
}
