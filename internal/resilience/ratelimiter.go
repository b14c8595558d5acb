// Package resilience holds small, dependency-light protective wrappers
// around request paths that an external process (a worker polling or
// logging too aggressively) could otherwise overwhelm.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a token bucket with a secondary sliding-window cap, so a
// single worker process that logs or polls in a tight loop cannot starve
// the boundary's goroutines. Refill happens lazily on each Allow call based
// on elapsed time rather than on a background ticker.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     float64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64

	allowed metric.Int64Counter
	dropped metric.Int64Counter
	name    string
}

// NewRateLimiter builds a limiter with capacity tokens refilling at
// fillRate tokens/second, plus a hard cap of maxPerWindow requests per
// windowDur (0 disables the window cap). name tags the emitted metrics so
// multiple limiters in the same process are distinguishable.
func NewRateLimiter(meter metric.Meter, name string, capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	now := time.Now()
	r := &RateLimiter{
		capacity:     float64(capacity),
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   now,
		windowStart:  now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		name:         name,
	}
	r.allowed, _ = meter.Int64Counter("flowforge_ratelimiter_allowed_total")
	r.dropped, _ = meter.Int64Counter("flowforge_ratelimiter_dropped_total")
	return r
}

// Allow reports whether one token can be consumed right now.
func (r *RateLimiter) Allow(ctx context.Context) bool {
	return r.AllowN(ctx, 1)
}

// AllowN attempts to consume n tokens, refilling and rotating the sliding
// window first.
func (r *RateLimiter) AllowN(ctx context.Context, n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = minFloat(r.capacity, r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}

	if r.windowDur > 0 && now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	attrs := metric.WithAttributes(attribute.String("limiter", r.name))

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		if r.dropped != nil {
			r.dropped.Add(ctx, 1, attrs)
		}
		return false
	}
	if float64(n) > r.available {
		if r.dropped != nil {
			r.dropped.Add(ctx, 1, attrs)
		}
		return false
	}

	r.available -= float64(n)
	r.windowCount += n
	if r.allowed != nil {
		r.allowed.Add(ctx, 1, attrs)
	}
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
