package auth

import (
	"sync"
	"time"
)

// bucket is one key's window state.
type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter is a sliding-window request counter keyed by client host (or
// host+path). Within a window the counter only grows; it resets atomically
// when the window expires.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rpm     int
	window  time.Duration
	now     func() time.Time
}

// NewLimiter creates a Limiter allowing rpm requests per window. rpm <= 0
// disables limiting.
func NewLimiter(rpm int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rpm:     rpm,
		window:  window,
		now:     time.Now,
	}
}

// Allow records a request for key. When denied, retryAfter says how long
// until the window resets.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	if l.rpm <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return true, 0
	}
	if b.count < l.rpm {
		b.count++
		return true, 0
	}
	return false, b.windowStart.Add(l.window).Sub(now)
}

// Prune drops buckets whose window has long expired. Call periodically to
// bound memory on high-cardinality keys.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.window)
	for key, b := range l.buckets {
		if b.windowStart.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
