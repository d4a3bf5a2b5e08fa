// Package ratelimit gates message acceptance per sender with a fixed
// window: at most N messages per interval, counted from the first message
// that opened the window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = time.Minute
)

// Limiter decides whether a sender may submit one more message
type Limiter interface {
	Allow(ctx context.Context, userID int64) bool
}

type window struct {
	count   int
	resetAt time.Time
}

// Window is the in-memory fixed window limiter
type Window struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	now     func() time.Time
	windows map[int64]*window
}

// NewWindow creates a limiter allowing limit messages per period
func NewWindow(limit int, period time.Duration) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	return &Window{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[int64]*window),
	}
}

// Allow counts one message for userID and reports whether it fits in
// the open window
func (l *Window) Allow(_ context.Context, userID int64) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.period)}
		l.windows[userID] = w
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Sweep drops windows that already expired and returns how many were removed
func (l *Window) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired windows every period until ctx is done
func (l *Window) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of tracked windows
func (l *Window) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
