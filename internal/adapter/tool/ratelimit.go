package tool

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter: at most limit calls in any
// window. It guards search backends with hard per-minute quotas.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time // ascending
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, now: time.Now}
}

// Reserve records a call when it fits in the window. Otherwise it records
// nothing and returns how long until the oldest call leaves the window.
func (r *RateLimiter) Reserve() (ok bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	drop := 0
	for drop < len(r.calls) && !r.calls[drop].After(cutoff) {
		drop++
	}
	r.calls = append(r.calls[:0], r.calls[drop:]...)

	if len(r.calls) >= r.limit {
		return false, r.calls[0].Sub(cutoff)
	}
	r.calls = append(r.calls, now)
	return true, 0
}
