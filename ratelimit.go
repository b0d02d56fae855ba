package main

import (
	"sync"
	"time"
)

// rateWindow tracks one key's fixed window: when it started and how many
// requests landed in it.
type rateWindow struct {
	start time.Time
	count int
}

// FixedWindowLimiter is a per-key fixed-window request counter. Unlike a
// token bucket it can report exactly how long a rejected caller must wait,
// which the API surfaces as retryAfterMs.
//
// State lives in process memory only; the protection target is per-process
// abuse within one deployment lifetime. Multi-instance deployments that need
// a global limit must back this with a shared store instead.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

// Maximum number of tracked keys to prevent memory exhaustion DoS.
const maxRateWindows = 10000

// NewFixedWindowLimiter creates an empty limiter.
func NewFixedWindowLimiter() *FixedWindowLimiter {
	return &FixedWindowLimiter{
		windows: make(map[string]*rateWindow),
	}
}

// Allow records one request for key and reports whether it fits inside the
// current window of the given size and limit. When the request is rejected,
// retryAfter is the time until the window rolls over (always > 0).
//
// The check-and-increment runs under one lock so concurrent callers for the
// same key cannot both sneak under the limit.
func (l *FixedWindowLimiter) Allow(key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= window {
		// New key or expired window: start fresh. Enforce the map cap by
		// evicting the oldest window first.
		if !exists && len(l.windows) >= maxRateWindows {
			var oldestKey string
			var oldestStart time.Time
			for k, win := range l.windows {
				if oldestKey == "" || win.start.Before(oldestStart) {
					oldestKey = k
					oldestStart = win.start
				}
			}
			if oldestKey != "" {
				delete(l.windows, oldestKey)
			}
		}
		w = &rateWindow{start: now}
		l.windows[key] = w
	}

	w.count++
	if w.count > limit {
		retry := w.start.Add(window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return false, retry
	}
	return true, 0
}

// Cleanup removes windows that started more than maxAge ago and returns how
// many were removed.
func (l *FixedWindowLimiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for key, w := range l.windows {
		if now.Sub(w.start) > maxAge {
			delete(l.windows, key)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the number of tracked keys.
func (l *FixedWindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
