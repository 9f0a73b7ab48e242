package realtime

import (
	"sync"
	"time"
)

// ActionClass partitions rate limit counters so a burst of typing signals can
// never consume the message budget, and vice versa.
type ActionClass string

const (
	ActionMessage ActionClass = "message"
	ActionTyping  ActionClass = "typing"
	ActionAuth    ActionClass = "auth"
)

// RatePolicy is a ceiling over a window. The numbers are policy, not
// protocol; defaults live in the app config.
type RatePolicy struct {
	Max    int
	Window time.Duration
}

type limiterKey struct {
	id    string
	class ActionClass
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter bounds the rate of an action per (identity, action class) with a
// fixed window: the first hit opens the window, hits beyond the ceiling are
// rejected without incrementing, and an expired window resets atomically.
type Limiter struct {
	mu      sync.Mutex
	windows map[limiterKey]*window
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[limiterKey]*window),
		now:     time.Now,
	}
}

// Allow reports whether one more action of the given class is permitted for
// the identity under the supplied policy.
func (l *Limiter) Allow(identityID string, class ActionClass, policy RatePolicy) bool {
	now := l.now()
	key := limiterKey{id: identityID, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	win, ok := l.windows[key]
	if !ok || !now.Before(win.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(policy.Window)}
		return true
	}
	if win.count >= policy.Max {
		// rejected calls do not increment, so a burst cannot distort the
		// next window
		return false
	}
	win.count++
	return true
}
