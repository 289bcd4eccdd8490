package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket refilled lazily from the elapsed time.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64 // tokens per second
	available  float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a full bucket of capacity tokens refilled at fillRate/s.
func NewRateLimiter(capacity int64, fillRate float64) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		capacity:   float64(capacity),
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: now,
		now:        time.Now,
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN consumes n tokens if available.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	r.refill()
	ok := float64(n) <= r.available
	if ok {
		r.available -= float64(n)
	}
	r.mu.Unlock()

	if !ok {
		drops, _ := otel.Meter("memscan").Int64Counter("memscan_ratelimiter_drops_total")
		drops.Add(context.Background(), 1)
	}
	return ok
}

// ReserveAfter returns how long until n tokens are available, without consuming them.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	short := float64(n) - r.available
	if short <= 0 {
		return 0
	}
	return time.Duration(short / r.fillRate * float64(time.Second))
}

// refill must be called with mu held.
func (r *RateLimiter) refill() {
	now := r.now()
	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = min(r.capacity, r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}
}
