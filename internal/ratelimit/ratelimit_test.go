// ABOUTME: Tests for the per-user token-bucket limiter
// ABOUTME: Uses an injected clock for deterministic refill behavior

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time explicitly.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(capacity int, rate float64) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(capacity, rate)
	l.now = clock.now
	return l, clock
}

func TestAllow_BurstUpToCapacity(t *testing.T) {
	l, _ := newTestLimiter(3, 1)

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"), "burst beyond capacity must be rejected")
}

func TestAllow_RefillAfterInterval(t *testing.T) {
	l, clock := newTestLimiter(2, 1) // 1 token/sec

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	// One full refill interval restores at least one token.
	clock.advance(time.Second)
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
}

func TestAllow_RefillCappedAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(2, 10)

	assert.True(t, l.Allow("alice"))

	// Long idle must not accumulate beyond capacity.
	clock.advance(time.Hour)
	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
}

func TestAllow_UsersIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"), "one user's exhaustion must not affect another")
}

func TestAllowN_Cost(t *testing.T) {
	l, _ := newTestLimiter(5, 1)

	assert.True(t, l.AllowN("alice", 4))
	assert.False(t, l.AllowN("alice", 2))
	assert.True(t, l.AllowN("alice", 1))
}

func TestAllow_FractionalRefill(t *testing.T) {
	l, clock := newTestLimiter(1, 2) // 2 tokens/sec

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	clock.advance(500 * time.Millisecond)
	assert.True(t, l.Allow("alice"))
}
