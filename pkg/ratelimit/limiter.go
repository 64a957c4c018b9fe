// Package ratelimit enforces fixed-window per-client quotas. It guards the
// routes that spend money upstream (embedding calls), independent of the
// anomaly gate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// permissive is returned when no backend can count the request.
func permissive(limit int, window time.Duration) Decision {
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(window)}
}

type InMemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	items   map[string]entry
	swept   time.Time
	nowFunc func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(limit int, window time.Duration) *InMemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		limit:   limit,
		window:  window,
		items:   make(map[string]entry),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string) Decision {
	now := l.nowFunc()
	l.mu.Lock()
	defer l.mu.Unlock()
	// Expired windows are dropped at most once per window length.
	if now.Sub(l.swept) >= l.window {
		l.sweepLocked(now)
	}
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, l.limit, curr.resetAt)
}

func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *InMemoryLimiter) sweepLocked(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
	l.swept = now
}
