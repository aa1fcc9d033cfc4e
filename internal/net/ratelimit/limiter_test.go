package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_TryAcquireBurst(t *testing.T) {
	limiter := NewLimiter(2, time.Second, 2)

	if !limiter.TryAcquire() {
		t.Error("first acquire should succeed")
	}
	if !limiter.TryAcquire() {
		t.Error("second acquire should succeed")
	}
	if limiter.TryAcquire() {
		t.Error("third acquire should be blocked with burst of 2")
	}
}

func TestLimiter_AcquireBlocks(t *testing.T) {
	limiter := NewLimiter(10, time.Second, 1) // one token per 100ms

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("first acquire should be immediate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("first acquire should be immediate, took %v", elapsed)
	}

	start = time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("second acquire should succeed after waiting: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Errorf("second acquire should wait ~100ms, took %v", elapsed)
	}
}

func TestLimiter_AcquireCancelled(t *testing.T) {
	limiter := NewLimiter(1, time.Hour, 1)
	limiter.TryAcquire() // drain the burst

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Acquire(ctx)
	if err == nil {
		t.Error("acquire should fail when context expires before a token frees")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("acquire should return promptly on cancellation, took %v", elapsed)
	}
}

func TestLimiter_ConcurrentAcquire(t *testing.T) {
	limiter := NewLimiter(1000, time.Second, 10)

	const goroutines = 40
	var granted, denied int64
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if limiter.TryAcquire() {
					atomic.AddInt64(&granted, 1)
				} else {
					atomic.AddInt64(&denied, 1)
				}
			}
		}()
	}
	wg.Wait()

	if granted+denied != goroutines*5 {
		t.Errorf("accounted %d acquisitions, want %d", granted+denied, goroutines*5)
	}
	if granted < 10 {
		t.Errorf("at least the burst should be granted, got %d", granted)
	}
}

func TestLimiter_SetBudget(t *testing.T) {
	limiter := NewLimiter(1, time.Minute, 1)
	limiter.TryAcquire()

	if limiter.TryAcquire() {
		t.Error("should be exhausted at 1/minute")
	}

	limiter.SetBudget(600, time.Minute, 5)
	time.Sleep(150 * time.Millisecond)

	if !limiter.TryAcquire() {
		t.Error("should grant tokens after budget increase")
	}
}

func TestLimiter_Stats(t *testing.T) {
	limiter := NewLimiter(5, time.Minute, 5)
	limiter.TryAcquire()
	limiter.TryAcquire()

	stats := limiter.Stats()
	if stats.PerWindow != 5 {
		t.Errorf("PerWindow = %d, want 5", stats.PerWindow)
	}
	if stats.Window != time.Minute {
		t.Errorf("Window = %v, want 1m", stats.Window)
	}
	if stats.TokensAvailable >= 5 {
		t.Errorf("tokens should drop below burst after use, got %f", stats.TokensAvailable)
	}
}
