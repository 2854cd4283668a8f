// Package infra provides shared infrastructure components: request pacing
// for upstream model providers.
package infra

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// --- Rate limiter ---

// RateLimiter is a token bucket per key, typically a provider name. Buckets
// for the least recently seen keys are dropped once maxKeys is reached.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter that allows perMinute requests per key
// with bursts of up to burst. perMinute <= 0 disables limiting and returns
// nil.
func NewRateLimiter(perMinute, burst, maxKeys int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	// only fails for a non-positive size
	buckets, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &RateLimiter{
		buckets: buckets,
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
	}
}

// Allow reports whether a request for key may proceed now, consuming a
// token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	return rl.bucket(key).Allow()
}

// Wait blocks until a token for key is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if rl == nil {
		return ctx.Err()
	}
	return rl.bucket(key).Wait(ctx)
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(rl.limit, rl.burst)
	rl.buckets.Add(key, b)
	return b
}
