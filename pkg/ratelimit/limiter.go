// Package ratelimit caps per-client request rates on the funding and
// webhook endpoints. Limits are fixed windows keyed by route and caller
// address, counted in Redis when available and in process memory otherwise.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports whether a request fits inside the current window and
// carries the numbers the gateway echoes back in Retry-After headers.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts requests per key in a fixed window. It is the
// single-instance fallback; a multi-replica gateway needs the Redis
// limiter or sponsors can exceed the cap by a factor of the replica count.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit,
		Count:     b.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
}

// sweepLocked drops expired buckets so one-off webhook delivery ids do
// not accumulate forever. Caller holds l.mu.
func (l *InMemoryLimiter) sweepLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}
