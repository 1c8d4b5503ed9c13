package resource

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// bucket is one token bucket: Capacity tokens refilling at RatePerSecond,
// tracked as a float to refill proportionally to elapsed wall-clock time
// (spec §4.2).
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64) *bucket {
	return &bucket{capacity: capacity, tokens: capacity, refillRate: refillRate, lastRefill: time.Now()}
}

func (b *bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// tryAcquire attempts to take n tokens without blocking.
func (b *bucket) tryAcquire(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// RateLimiter is a registry of token buckets keyed by an arbitrary tag (node
// type, agent id, ...), per spec §4.2 "Limiters are keyed by node type or
// arbitrary tag."
type RateLimiter struct {
	mu       sync.Mutex
	buckets  *xsync.MapOf[string, *bucket]
	capacity float64
	rate     float64
}

// NewRateLimiter creates a limiter whose buckets (created lazily per tag)
// hold `capacity` tokens and refill at `ratePerSecond`.
func NewRateLimiter(capacity, ratePerSecond float64) *RateLimiter {
	return &RateLimiter{
		buckets:  xsync.NewMapOf[string, *bucket](),
		capacity: capacity,
		rate:     ratePerSecond,
	}
}

func (rl *RateLimiter) bucketFor(tag string) *bucket {
	if b, ok := rl.buckets.Load(tag); ok {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets.Load(tag); ok {
		return b
	}
	b := newBucket(rl.capacity, rl.rate)
	rl.buckets.Store(tag, b)
	return b
}

// Acquire blocks cooperatively (spec §5 suspension point 2) until n tokens
// are available for tag, or ctx is done.
func (rl *RateLimiter) Acquire(ctx context.Context, tag string, n float64) error {
	b := rl.bucketFor(tag)
	if b.tryAcquire(n) {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.tryAcquire(n) {
				return nil
			}
		}
	}
}
