// Package ratelimit enforces the outbound spacing and hourly cap the price
// provider requires, shared process-wide across backfill and refresh work.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum gap between successive Acquire returns and a
// sliding hourly cap on completed acquisitions. It cannot fail on its own
// (pure scheduling), so Acquire only ever blocks or is cancelled via ctx.
type Limiter struct {
	minInterval time.Duration
	hourlyCap   int

	mu       sync.Mutex
	lastCall time.Time

	hourly *rate.Limiter
}

// New builds a Limiter. hourlyCap acquisitions are permitted per rolling
// 60-minute window, modeled as a token bucket that refills continuously at
// hourlyCap/hour with a burst equal to the full cap (so a cold start doesn't
// immediately throttle).
func New(minInterval time.Duration, hourlyCap int) *Limiter {
	perSecond := rate.Limit(float64(hourlyCap) / 3600.0)
	return &Limiter{
		minInterval: minInterval,
		hourlyCap:   hourlyCap,
		hourly:      rate.NewLimiter(perSecond, hourlyCap),
	}
}

// Acquire blocks until both the minimum-interval and hourly-cap invariants
// are satisfied, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.hourly.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	wait := time.Duration(0)
	if !l.lastCall.IsZero() {
		elapsed := time.Since(l.lastCall)
		if elapsed < l.minInterval {
			wait = l.minInterval - elapsed
		}
	}
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	l.lastCall = time.Now()
	l.mu.Unlock()

	return nil
}

// backoffBase is the base delay for ReportThrottled's exponential sequence
// (base=5s, sequence {5,10,20,40,80}).
const backoffBase = 5 * time.Second

// maxBackoff caps the exponential sequence so a stuck provider never blocks
// a worker for more than this long on a single throttle report.
const maxBackoff = 80 * time.Second

// ReportThrottled blocks the calling goroutine for base*2^(attempt-1)
// seconds, capped at maxBackoff, or until ctx is cancelled.
func (l *Limiter) ReportThrottled(ctx context.Context, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
