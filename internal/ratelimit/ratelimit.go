// Package ratelimit throttles gateway callers with one token bucket per caller.
// Buckets refill lazily on each call; there is no background goroutine.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError carries how long the caller should wait. It unwraps to ErrRateLimited.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Refill rate. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter holds an independent bucket per caller, so one caller cannot drain
// another's quota. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens float64
	filled time.Time
}

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
		now:     time.Now,
	}
}

// Unlimited reports whether the limiter lets every call through.
func (l *Limiter) Unlimited() bool { return l.rate <= 0 }

// Allow takes one token from caller's bucket. When the bucket is empty it
// returns a *LimitError.
func (l *Limiter) Allow(caller string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(caller, now)
	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1-b.tokens)/l.rate*1000)) * time.Millisecond
		return &LimitError{RetryAfter: wait}
	}
	b.tokens--
	return nil
}

// Prune drops buckets that have been idle long enough to be full again.
// It returns the number removed.
func (l *Limiter) Prune() int {
	if l.Unlimited() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for caller := range l.buckets {
		if b := l.refill(caller, now); b.tokens >= l.burst {
			delete(l.buckets, caller)
			removed++
		}
	}
	return removed
}

// refill must be called with l.mu held.
func (l *Limiter) refill(caller string, now time.Time) *bucket {
	b, ok := l.buckets[caller]
	if !ok {
		b = &bucket{tokens: l.burst, filled: now}
		l.buckets[caller] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.filled).Seconds()*l.rate)
	b.filled = now
	return b
}
