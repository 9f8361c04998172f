package gateway

import (
	"sync"
	"time"
)

const (
	defaultFramesPerMinute = 600
	defaultFrameBurst      = 50
)

// TokenBucket limits how fast one connection may send frames.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket refilling at perMinute with room for
// burst frames. Non-positive arguments use the defaults.
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	if perMinute <= 0 {
		perMinute = defaultFramesPerMinute
	}
	if burst <= 0 {
		burst = defaultFrameBurst
	}
	tb := &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		now:        time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}
