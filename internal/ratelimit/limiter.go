// Package ratelimit enforces per-user request budgets. Counting is fixed
// window: each key gets limit requests per window, and the count resets
// on the window boundary.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the counting window for per-user limits.
const DefaultWindow = time.Minute

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	// RetryAfter is how long until the window resets. Zero when allowed.
	RetryAfter time.Duration `json:"retry_after"`
}

// Limiter answers whether a keyed request may proceed. Implementations
// fail open: on backend errors they return an allowing decision along
// with the error so callers can log without blocking traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// window is one key's count within the current fixed window.
type window struct {
	start time.Time
	count int
}

// FixedWindow is the in-memory limiter. Safe for concurrent use.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	window  time.Duration
	maxKeys int
	now     func() time.Time
}

// FixedWindowOption configures a FixedWindow.
type FixedWindowOption func(*FixedWindow)

// WithWindow sets the counting window.
func WithWindow(d time.Duration) FixedWindowOption {
	return func(l *FixedWindow) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) FixedWindowOption {
	return func(l *FixedWindow) {
		if now != nil {
			l.now = now
		}
	}
}

// NewFixedWindow builds a limiter allowing limit requests per window per
// key. limit <= 0 disables limiting.
func NewFixedWindow(limit int, opts ...FixedWindowOption) *FixedWindow {
	l := &FixedWindow{
		windows: make(map[string]*window),
		limit:   limit,
		window:  DefaultWindow,
		maxKeys: 10000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request against the key's current window.
func (l *FixedWindow) Allow(_ context.Context, key string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || w.start.Before(start) {
		if w == nil && len(l.windows) >= l.maxKeys {
			l.prune(start)
		}
		w = &window{start: start}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: start.Add(l.window).Sub(now),
		}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: l.limit - w.count}, nil
}

// prune drops keys whose window has passed. Called with the lock held.
func (l *FixedWindow) prune(start time.Time) {
	for key, w := range l.windows {
		if w.start.Before(start) {
			delete(l.windows, key)
		}
	}
}

// Reset clears the key's window.
func (l *FixedWindow) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// CompositeKey joins key parts with colons.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
