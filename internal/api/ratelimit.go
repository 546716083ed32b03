package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-endpoint rate limiters so concurrent loops
// sharing a provider stay inside its request budget.
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int
	mu       sync.Mutex
}

// NewRateLimiterPool creates an empty pool.
func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
	}
}

// getOrCreate returns the limiter for an endpoint, creating it on first use.
// The first configured rate wins; later mismatches are logged, not applied.
func (p *RateLimiterPool) getOrCreate(endpointID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[endpointID]; exists {
		if existing := p.rates[endpointID]; existing != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, keeping existing",
				"endpoint", endpointID,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 5
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[endpointID] = limiter
	p.rates[endpointID] = requestsPerMinute
	return limiter
}

// Wait blocks until the endpoint's limiter allows the next request.
func (p *RateLimiterPool) Wait(ctx context.Context, endpointID string, requestsPerMinute int) error {
	return p.getOrCreate(endpointID, requestsPerMinute).Wait(ctx)
}
