// Package ratelimit provides sliding-window admission control per external service.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding window every limiter counts requests over.
const Window = time.Minute

// Limiter admits or denies a request for a named service.
// A non-positive requestsPerMinute disables limiting for that call.
type Limiter interface {
	TryAcquire(ctx context.Context, service string, requestsPerMinute int) bool
}

// MemoryLimiter keeps a per-service list of admission timestamps in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiterWithClock(time.Now)
}

// NewMemoryLimiterWithClock creates an in-process limiter reading time from now.
func NewMemoryLimiterWithClock(now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string][]time.Time),
		now:     now,
	}
}

// TryAcquire prunes timestamps older than the window, then admits if fewer than
// requestsPerMinute remain.
func (l *MemoryLimiter) TryAcquire(_ context.Context, service string, requestsPerMinute int) bool {
	if requestsPerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)

	stamps := l.windows[service]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= requestsPerMinute {
		l.windows[service] = kept
		return false
	}

	l.windows[service] = append(kept, now)
	return true
}

// InFlight returns the number of admissions currently inside the window for service.
func (l *MemoryLimiter) InFlight(service string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-Window)
	n := 0
	for _, ts := range l.windows[service] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
