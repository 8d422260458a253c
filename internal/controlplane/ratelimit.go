package controlplane

import (
	"sync"
	"time"
)

// slidingWindowLimiter is a per-key sliding-window rate limiter, adapted
// from the teacher's internal/lua/ratelimit.go: same prune-then-check-then-
// record shape, generalized from a fixed per-minute window to an arbitrary
// window/limit pair so it can serve both the §4.4 per-second probe limit and
// the per-source-address session limit with one implementation.
type slidingWindowLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter returns a per-key sliding-window limiter admitting at most
// limit events per key within window. Pass the result as a WSServer's or
// P2PServer's ProbeLimiter/ControlLimiter field.
func NewRateLimiter(limit int, window time.Duration) *slidingWindowLimiter {
	return newSlidingWindowLimiter(limit, window)
}

func newSlidingWindowLimiter(limit int, window time.Duration) *slidingWindowLimiter {
	return &slidingWindowLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether key is permitted one more event now, recording the
// event if so.
func (l *slidingWindowLimiter) Allow(key string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	l.events[key] = pruneOld(l.events[key], cutoff)
	if len(l.events[key]) >= l.limit {
		return false
	}
	l.events[key] = append(l.events[key], now)
	return true
}

// Count returns the number of events currently counted for key within the
// window, without recording a new one.
func (l *slidingWindowLimiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	l.events[key] = pruneOld(l.events[key], cutoff)
	return len(l.events[key])
}

// Forget discards all recorded events for key, e.g. on session close.
func (l *slidingWindowLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
