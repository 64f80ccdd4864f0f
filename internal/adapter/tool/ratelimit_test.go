package tool

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRateLimiterReserve(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(2, time.Minute)
	rl.now = clock.Now

	if ok, _ := rl.Reserve(); !ok {
		t.Fatal("first call rejected")
	}
	clock.Advance(20 * time.Second)
	if ok, _ := rl.Reserve(); !ok {
		t.Fatal("second call rejected")
	}

	ok, wait := rl.Reserve()
	if ok {
		t.Fatal("third call allowed within window")
	}
	if wait != 40*time.Second {
		t.Errorf("retryAfter = %v, want 40s", wait)
	}

	// A rejected call is not recorded.
	clock.Advance(40 * time.Second)
	if ok, _ := rl.Reserve(); !ok {
		t.Fatal("call rejected after oldest left the window")
	}
	if ok, wait := rl.Reserve(); ok || wait != 20*time.Second {
		t.Errorf("Reserve = %v, %v; want false, 20s", ok, wait)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl := NewRateLimiter(10, time.Hour)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Reserve(); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
