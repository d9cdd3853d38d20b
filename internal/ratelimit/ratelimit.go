// Package ratelimit implements a per-client token bucket. Buckets are
// refilled lazily on each Allow call, so there are no background
// goroutines to manage.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has drained its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter tracks one token bucket per client name, keyed by the
// authenticated client from the gateway. Clients cannot consume each
// other's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
}

type bucket struct {
	level   float64
	updated time.Time
}

// refill credits tokens for the time elapsed since the last call,
// capped at the bucket capacity.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.level += now.Sub(b.updated).Seconds() * rate
	if b.level > burst {
		b.level = burst
	}
	b.updated = now
}

// NewLimiter creates a limiter from cfg. A zero RequestsPerMinute
// disables limiting entirely.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow consumes one token from the client's bucket, creating a full
// bucket on first sight. Returns ErrRateLimited when no token is left.
func (l *Limiter) Allow(client string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.buckets[client]
	if b == nil {
		b = &bucket{level: l.burst, updated: now}
		l.buckets[client] = b
	} else {
		b.refill(now, l.rate, l.burst)
	}

	if b.level < 1 {
		return ErrRateLimited
	}
	b.level--
	return nil
}
