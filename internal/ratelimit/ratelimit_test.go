package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("call %d limited: %v", i, err)
		}
	}
	if l.Prune() != 0 {
		t.Error("unlimited limiter should hold no buckets")
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}

	err := l.Allow("alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var le *LimitError
	if !errors.As(err, &le) || le.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", le)
	}

	clock.Advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_CallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Error("alice should be limited")
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob limited by alice's usage: %v", err)
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 5})
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("alice") == nil {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed %d, want 5", allowed)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("alice")
	_ = l.Allow("bob")
	_ = l.Allow("bob")

	clock.Advance(time.Second)
	if n := l.Prune(); n != 1 {
		t.Errorf("pruned %d, want 1 (alice refilled, bob not yet)", n)
	}
	clock.Advance(time.Second)
	if n := l.Prune(); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}
