package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LimiterConfig tunes the token bucket for one key.
type LimiterConfig struct {
	// Capacity is the maximum number of tokens the bucket holds. It is
	// also the burst size: a full bucket admits this many calls at once.
	Capacity float64
	// RefillRate is how many tokens are added per second. Refill is
	// computed lazily from elapsed time on each acquire, so an idle
	// bucket costs nothing.
	RefillRate float64
}

// DefaultLimiterConfig allows sustained 10 calls/s with a burst of 20.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{Capacity: 20, RefillRate: 10}
}

// sanitize clamps invalid values to the defaults instead of failing.
func (c LimiterConfig) sanitize() LimiterConfig {
	def := DefaultLimiterConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.RefillRate <= 0 {
		c.RefillRate = def.RefillRate
	}
	return c
}

// LimiterStats is a point-in-time stats block for one bucket.
type LimiterStats struct {
	Key        string  `json:"key"`
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Allowed    uint64  `json:"allowed"`
	Denied     uint64  `json:"denied"`
}

// bucket is one token bucket. Guarded by mu.
type bucket struct {
	mu sync.Mutex

	key      string
	tokens   float64
	lastFill time.Time
	cfg      LimiterConfig

	allowed uint64
	denied  uint64
}

// RateLimiter is a registry of per-key token buckets. Buckets are
// created lazily, start full, and are evicted least-recently-used once
// maxKeys is exceeded. An evicted key that comes back starts from a
// full bucket again, which errs on the permissive side.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  *lru.Cache[string, *bucket]
	defaults LimiterConfig
	logger   *log.Helper
	now      func() time.Time
}

// NewRateLimiter creates a limiter registry. maxKeys bounds the number
// of live buckets; zero or negative selects 1024.
func NewRateLimiter(defaults LimiterConfig, maxKeys int, logger log.Logger) *RateLimiter {
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	helper := log.NewHelper(logger)
	cache, err := lru.NewWithEvict[string, *bucket](maxKeys, func(key string, _ *bucket) {
		helper.Debugw("msg", "evicted idle rate limit bucket", "key", key)
	})
	if err != nil {
		panic(err)
	}
	return &RateLimiter{
		buckets:  cache,
		defaults: defaults.sanitize(),
		logger:   helper,
		now:      time.Now,
	}
}

// Configure creates or replaces the configuration for key. The bucket
// is refilled under the old rate first, then clamped to the new
// capacity, so tokens already earned are kept where possible.
func (rl *RateLimiter) Configure(key string, cfg LimiterConfig) {
	b := rl.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	rl.refillLocked(b)
	b.cfg = cfg.sanitize()
	if b.tokens > b.cfg.Capacity {
		b.tokens = b.cfg.Capacity
	}
}

// Acquire attempts to take cost tokens from the bucket for key without
// blocking. On denial it returns a RateLimitError carrying the time
// until enough tokens will have accrued; the bucket is not charged.
func (rl *RateLimiter) Acquire(key string, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	b := rl.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	rl.refillLocked(b)
	if b.tokens >= cost {
		b.tokens -= cost
		b.allowed++
		return nil
	}

	b.denied++
	retryAfter := rl.retryAfterLocked(b, cost)
	rl.logger.Warnw("msg", "rate limit exceeded",
		"key", key,
		"cost", cost,
		"tokens", b.tokens,
		"retry_after", retryAfter,
	)
	return &RateLimitError{Key: key, Cost: cost, RetryAfter: retryAfter}
}

// AcquireBlocking waits until cost tokens are available or ctx is done.
// The wait is sized from the bucket's own refill arithmetic rather than
// a fixed poll, so a caller never sleeps much longer than it has to.
func (rl *RateLimiter) AcquireBlocking(ctx context.Context, key string, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	for {
		err := rl.Acquire(key, cost)
		if err == nil {
			return nil
		}
		var limitErr *RateLimitError
		if !errors.As(err, &limitErr) {
			return err
		}

		// A cost beyond the bucket's capacity can never be satisfied, no
		// matter how long we wait. Capacity is re-read each round because
		// Configure may change it while we block.
		b := rl.bucket(key)
		b.mu.Lock()
		capacity := b.cfg.Capacity
		b.mu.Unlock()
		if cost > capacity {
			return fmt.Errorf("cost %g exceeds bucket capacity %g for key %q: %w", cost, capacity, key, err)
		}

		wait := limitErr.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the current token count for key after refill. Mostly
// useful for the status API and tests.
func (rl *RateLimiter) Tokens(key string) float64 {
	b := rl.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	rl.refillLocked(b)
	return b.tokens
}

// Stats returns the stats block for key, or false if the key was never
// seen (or has been evicted).
func (rl *RateLimiter) Stats(key string) (LimiterStats, bool) {
	rl.mu.Lock()
	b, ok := rl.buckets.Peek(key)
	rl.mu.Unlock()
	if !ok {
		return LimiterStats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rl.refillLocked(b)
	return rl.statsLocked(b), true
}

// Snapshot returns stats for every live bucket.
func (rl *RateLimiter) Snapshot() []LimiterStats {
	rl.mu.Lock()
	keys := rl.buckets.Keys()
	buckets := make([]*bucket, 0, len(keys))
	for _, k := range keys {
		if b, ok := rl.buckets.Peek(k); ok {
			buckets = append(buckets, b)
		}
	}
	rl.mu.Unlock()

	out := make([]LimiterStats, 0, len(buckets))
	for _, b := range buckets {
		b.mu.Lock()
		rl.refillLocked(b)
		out = append(out, rl.statsLocked(b))
		b.mu.Unlock()
	}
	return out
}

// refillLocked accrues tokens for the time elapsed since the last fill
// and clamps to capacity. Caller holds b.mu.
func (rl *RateLimiter) refillLocked(b *bucket) {
	now := rl.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.cfg.RefillRate
		if b.tokens > b.cfg.Capacity {
			b.tokens = b.cfg.Capacity
		}
	}
	b.lastFill = now
}

// retryAfterLocked estimates how long until cost tokens are available.
func (rl *RateLimiter) retryAfterLocked(b *bucket, cost float64) time.Duration {
	missing := cost - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.cfg.RefillRate * float64(time.Second))
}

// bucket returns the token bucket for key, creating it full.
func (rl *RateLimiter) bucket(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets.Get(key); ok {
		return b
	}
	b := &bucket{
		key:      key,
		tokens:   rl.defaults.Capacity,
		lastFill: rl.now(),
		cfg:      rl.defaults,
	}
	rl.buckets.Add(key, b)
	return b
}

func (rl *RateLimiter) statsLocked(b *bucket) LimiterStats {
	return LimiterStats{
		Key:        b.key,
		Tokens:     b.tokens,
		Capacity:   b.cfg.Capacity,
		RefillRate: b.cfg.RefillRate,
		Allowed:    b.allowed,
		Denied:     b.denied,
	}
}
