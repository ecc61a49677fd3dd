package server

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the maximum number of turns allowed per caller
	// per minute when no explicit limit is configured.
	DefaultRateLimit = 20

	// defaultRateLimitWindow is the sliding window duration.
	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-caller sliding-window rate limit on turns.
//
// Internally it holds the call timestamps for each caller within the
// current window and prunes stale entries on every Allow call. This
// keeps memory bounded to O(limit) entries per active caller.
//
// RateLimiter is safe for concurrent use from multiple goroutines.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time // callerID → call timestamps in window
}

// NewRateLimiter returns a RateLimiter that allows at most limit turns
// per caller within window.
//
// If limit ≤ 0 it defaults to DefaultRateLimit.
// If window ≤ 0 it defaults to one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
	}
}

// Allow returns true when the caller is permitted to start another turn
// and records the current timestamp. Returns false when the caller has
// exhausted their quota for the current window.
func (r *RateLimiter) Allow(callerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Prune timestamps that have fallen outside the window.
	existing := r.counters[callerID]
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.limit {
		r.counters[callerID] = valid
		return false
	}

	r.counters[callerID] = append(valid, now)
	return true
}

// Remaining returns the number of turns the caller can still start
// within the current window. A return value of 0 means the next Allow
// call will return false.
func (r *RateLimiter) Remaining(callerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	count := 0
	for _, t := range r.counters[callerID] {
		if t.After(cutoff) {
			count++
		}
	}
	rem := r.limit - count
	if rem < 0 {
		rem = 0
	}
	return rem
}
