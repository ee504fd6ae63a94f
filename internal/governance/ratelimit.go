package governance

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the token bucket settings applied to every key.
type RateLimiterConfig struct {
	// RatePerSecond is the sustained number of accepted events per second.
	// Values at or below zero fall back to one per second.
	RatePerSecond float64
	// BurstSize defaults to the rate rounded up, with a minimum of one.
	BurstSize int
}

func (c RateLimiterConfig) normalized() (rate, capacity float64) {
	rate = c.RatePerSecond
	if rate <= 0 || math.IsNaN(rate) {
		rate = 1
	}
	burst := c.BurstSize
	if burst <= 0 {
		burst = int(math.Ceil(rate))
	}
	return rate, float64(burst)
}

// RateLimiter keeps one token bucket per key. Buckets are created on first
// use and share the limiter's settings.
type RateLimiter struct {
	mu      sync.RWMutex
	config  RateLimiterConfig
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return newRateLimiter(config, time.Now)
}

func newRateLimiter(config RateLimiterConfig, now func() time.Time) *RateLimiter {
	return &RateLimiter{config: config, buckets: make(map[string]*bucket), now: now}
}

// Configure applies new limits to existing and future buckets. A raised
// burst size is granted immediately.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = config
	rate, capacity := config.normalized()
	for _, b := range rl.buckets {
		b.resize(rate, capacity, rl.now())
	}
}

// Config returns the current settings.
func (rl *RateLimiter) Config() RateLimiterConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.config
}

// Allow consumes a token for key if one is available.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucketFor(key).take(rl.now())
}

// AllowContext is Allow that refuses once ctx is done.
func (rl *RateLimiter) AllowContext(ctx context.Context, key string) bool {
	if ctx.Err() != nil {
		return false
	}
	return rl.Allow(key)
}

// Lookup returns the state of key's bucket without creating one.
func (rl *RateLimiter) Lookup(key string) (RateLimitStats, bool) {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if !ok {
		return RateLimitStats{}, false
	}
	return b.snapshot(rl.now()), true
}

// Stats returns the state of every bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	out := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		out[key] = b.snapshot(now)
	}
	return out
}

// Forget drops buckets that have been full for at least idle. It returns the
// number of buckets removed.
func (rl *RateLimiter) Forget(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, b := range rl.buckets {
		if b.idleSince(now) >= idle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	rate, capacity := rl.config.normalized()
	b = &bucket{rate: rate, capacity: capacity, tokens: capacity, last: rl.now()}
	rl.buckets[key] = b
	return b
}

// RateLimitStats is a point-in-time view of one bucket.
type RateLimitStats struct {
	RatePerSecond float64   `json:"rate_per_second"`
	BurstSize     int       `json:"burst_size"`
	Available     float64   `json:"available"`
	LastRefill    time.Time `json:"last_refill"`
}

// Remaining is the number of whole tokens left.
func (s RateLimitStats) Remaining() int {
	return int(math.Floor(s.Available))
}

// NextToken is when the next whole token becomes available. It equals
// LastRefill when one already is.
func (s RateLimitStats) NextToken() time.Time {
	if s.Available >= 1 || s.RatePerSecond <= 0 {
		return s.LastRefill
	}
	wait := (1 - s.Available) / s.RatePerSecond
	return s.LastRefill.Add(time.Duration(wait * float64(time.Second)))
}

type bucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func (b *bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
}

func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) resize(rate, capacity float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if capacity > b.capacity {
		b.tokens += capacity - b.capacity
	}
	b.rate, b.capacity = rate, capacity
	b.tokens = math.Min(b.tokens, b.capacity)
}

func (b *bucket) snapshot(now time.Time) RateLimitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return RateLimitStats{
		RatePerSecond: b.rate,
		BurstSize:     int(b.capacity),
		Available:     b.tokens,
		LastRefill:    b.last,
	}
}

// idleSince reports how long the bucket has been full, or zero if it is not.
func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	missing := b.capacity - b.tokens
	if missing <= 0 {
		return now.Sub(b.last)
	}
	fullAt := b.last.Add(time.Duration(missing / b.rate * float64(time.Second)))
	if now.Before(fullAt) {
		return 0
	}
	return now.Sub(fullAt)
}

// WriteRateLimitHeaders sets the X-RateLimit-* headers from a bucket snapshot.
func WriteRateLimitHeaders(w http.ResponseWriter, stats RateLimitStats) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(stats.BurstSize))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(stats.Remaining()))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(stats.NextToken().Unix(), 10))
}
