package backendtest

import (
	"sync"
	"time"
)

// SlidingWindowLimiter is an in-memory sliding-window attempt counter, one
// window per key. It mirrors the boundary's documented limiter semantics:
// attempts inside the window count against the limit, and any success
// resets the key.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter over the supplied clock.
func NewSlidingWindowLimiter(limit int, window time.Duration, now func() time.Time) *SlidingWindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowLimiter{
		limit:    limit,
		window:   window,
		now:      now,
		attempts: make(map[string][]time.Time),
	}
}

// Blocked reports whether the key has exhausted its window, and how long
// until the oldest attempt ages out.
func (l *SlidingWindowLimiter) Blocked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.trimLocked(key, now)
	if len(kept) < l.limit {
		return false, 0
	}

	retryAfter := kept[0].Add(l.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return true, retryAfter
}

// Record stores one attempt against the key.
func (l *SlidingWindowLimiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.attempts[key] = append(l.trimLocked(key, now), now)
}

// Reset clears the key's window entirely.
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

func (l *SlidingWindowLimiter) trimLocked(key string, now time.Time) []time.Time {
	threshold := now.Add(-l.window)
	kept := l.attempts[key][:0]
	for _, at := range l.attempts[key] {
		if at.After(threshold) {
			kept = append(kept, at)
		}
	}
	l.attempts[key] = kept
	return kept
}
