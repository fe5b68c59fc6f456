// ABOUTME: Per-user token-bucket rate limiting for event submission
// ABOUTME: Lazy refill at check time, no background timers

package ratelimit

import (
	"sync"
	"time"
)

// Limiter applies a token bucket per user identity. Buckets are created
// lazily on first use and retained for the process lifetime, bounded by the
// number of distinct users. Exhaustion yields rejection, never blocking.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64 // tokens per second

	// now is swappable for deterministic tests.
	now func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a Limiter allowing bursts up to capacity, refilling at
// ratePerSecond tokens per second.
func New(capacity int, ratePerSecond float64) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		rate:     ratePerSecond,
		now:      time.Now,
	}
}

// Allow consumes one token from the user's bucket, reporting whether the
// submission is admitted. Refill is computed lazily as elapsed * rate,
// capped at capacity.
func (l *Limiter) Allow(userID string) bool {
	return l.AllowN(userID, 1)
}

// AllowN consumes cost tokens, admitting only if the bucket holds at least
// that many after refill.
func (l *Limiter) AllowN(userID string, cost float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[userID] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.rate
			if b.tokens > l.capacity {
				b.tokens = l.capacity
			}
			b.lastRefill = now
		}
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}
