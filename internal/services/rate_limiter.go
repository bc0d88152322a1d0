package services

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter keyed by tenant and operation.
// State is per process.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		hits:   map[string][]time.Time{},
		now:    time.Now,
	}
}

func (r *RateLimiter) Window() time.Duration { return r.window }

// Allow records a hit for key and reports whether it fits in limit.
// Rejected calls are not recorded.
func (r *RateLimiter) Allow(key string, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		r.hits[key] = kept
		return false
	}
	r.hits[key] = append(kept, now)
	return true
}

// Reset drops every recorded hit.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = map[string][]time.Time{}
}
