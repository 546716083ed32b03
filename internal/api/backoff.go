package api

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// SleepFunc blocks for the given duration or until the context is done.
// Tests substitute a recording implementation so retry behavior can be
// asserted without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// BackoffPolicy controls retry behavior for capability calls. Attempt n
// (1-based) retries after BaseDelay * Multiplier^(n-1); rate-limited
// responses use the steeper RateLimitMultiplier.
type BackoffPolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	Multiplier          float64
	RateLimitMultiplier float64
	Jitter              float64 // Fraction of the delay randomized in [-j, +j]
	Sleep               SleepFunc
}

// DefaultBackoffPolicy mirrors the documented retry contract: three total
// attempts, delays doubling from two seconds.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries:          3,
		BaseDelay:           2 * time.Second,
		Multiplier:          2,
		RateLimitMultiplier: 3,
		Jitter:              0.1,
		Sleep:               realSleep,
	}
}

// Delay returns the backoff before retry attempt n (1-based count of
// completed attempts).
func (p BackoffPolicy) Delay(attempt int, rateLimited bool) time.Duration {
	mult := p.Multiplier
	if rateLimited && p.RateLimitMultiplier > 0 {
		mult = p.RateLimitMultiplier
	}
	d := time.Duration(math.Pow(mult, float64(attempt-1))) * p.BaseDelay
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * (2*rand.Float64() - 1))
	}
	return d
}

func (p BackoffPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return realSleep(ctx, d)
}

func realSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
