package governance

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rl := newRateLimiter(RateLimiterConfig{RatePerSecond: 2}, clock.Now)

	assert.True(t, rl.Allow("client"))
	assert.True(t, rl.Allow("client"))
	assert.False(t, rl.Allow("client"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("client"))
	assert.False(t, rl.Allow("client"))

	assert.True(t, rl.Allow("other"), "keys have independent buckets")
}

func TestRateLimiter_FractionalRate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rl := newRateLimiter(RateLimiterConfig{RatePerSecond: 0.1}, clock.Now)

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	clock.Advance(9 * time.Second)
	assert.False(t, rl.Allow("k"))

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, rl.Allow("k"))
}

func TestRateLimiter_Configure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rl := newRateLimiter(RateLimiterConfig{RatePerSecond: 1}, clock.Now)

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	rl.Configure(RateLimiterConfig{RatePerSecond: 5})
	assert.Equal(t, 5.0, rl.Config().RatePerSecond)

	allowed := 0
	for range 10 {
		if rl.Allow("k") {
			allowed++
		}
	}
	assert.Equal(t, 4, allowed, "raising capacity grants the difference")

	stats := rl.Stats()
	assert.Equal(t, 5, stats["k"].BurstSize)
	assert.Equal(t, 5.0, stats["k"].RatePerSecond)
}

func TestRateLimiter_AllowContextCancelled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RatePerSecond: 100})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, rl.AllowContext(ctx, "k"))
	assert.True(t, rl.AllowContext(context.Background(), "k"))
}

func TestRateLimiter_NeverExceedsBudgetProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0.1, 100).Draw(t, "rate")
		steps := rapid.SliceOfN(rapid.IntRange(0, 2000), 1, 50).Draw(t, "steps_ms")

		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		rl := newRateLimiter(RateLimiterConfig{RatePerSecond: rate}, clock.Now)
		_, capacity := RateLimiterConfig{RatePerSecond: rate}.normalized()

		var elapsed time.Duration
		allowed := 0
		for _, ms := range steps {
			d := time.Duration(ms) * time.Millisecond
			clock.Advance(d)
			elapsed += d
			if rl.Allow("k") {
				allowed++
			}
		}

		budget := capacity + elapsed.Seconds()*rate
		if float64(allowed) > budget+1e-9 {
			t.Fatalf("allowed %d events, budget %.3f", allowed, budget)
		}
	})
}

func TestRateLimiter_LookupDoesNotCreate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rl := newRateLimiter(RateLimiterConfig{RatePerSecond: 1, BurstSize: 3}, clock.Now)

	_, ok := rl.Lookup("k")
	assert.False(t, ok)
	assert.Empty(t, rl.Stats())

	rl.Allow("k")
	stats, ok := rl.Lookup("k")
	assert.True(t, ok)
	assert.Equal(t, 3, stats.BurstSize)
	assert.Equal(t, 2, stats.Remaining())
	assert.Equal(t, clock.Now(), stats.NextToken())
}

func TestRateLimitStats_NextToken(t *testing.T) {
	at := time.Unix(1700000000, 0)
	stats := RateLimitStats{RatePerSecond: 2, BurstSize: 1, Available: 0.5, LastRefill: at}

	assert.Equal(t, 0, stats.Remaining())
	assert.Equal(t, at.Add(250*time.Millisecond), stats.NextToken())
}

func TestRateLimiter_Forget(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	rl := newRateLimiter(RateLimiterConfig{RatePerSecond: 1}, clock.Now)

	rl.Allow("busy")
	rl.Allow("idle")
	clock.Advance(time.Second)
	rl.Allow("busy")

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, rl.Forget(time.Minute))

	clock.Advance(time.Minute)
	assert.Equal(t, 2, rl.Forget(time.Minute))
	assert.Empty(t, rl.Stats())
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	at := time.Unix(1700000000, 0)
	WriteRateLimitHeaders(rec, RateLimitStats{RatePerSecond: 1, BurstSize: 5, Available: 0, LastRefill: at})

	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000001", rec.Header().Get("X-RateLimit-Reset"))
}
