package store

import (
	"context"
	"time"
)

// Lock is the single mutual-exclusion primitive in the system: it guards a
// payout's transition into EXECUTING so that two concurrent release
// attempts (a replayed webhook racing a manual execute call) can never both
// reach the escrow gateway. Acquisition failure is a rejection, not a
// blocking wait; callers surface the contention and retry later.
type Lock struct {
	cache Cache
	ttl   time.Duration
}

// NewLock wraps a cache as a lease-based lock. The TTL bounds how long a
// crashed holder can wedge a payout.
func NewLock(cache Cache, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lock{cache: cache, ttl: ttl}
}

// Acquire returns true when the caller now holds the lock.
func (l *Lock) Acquire(ctx context.Context, key, owner string) (bool, error) {
	return l.cache.SetNX(ctx, key, owner, l.ttl)
}

// Release frees the lock unconditionally. Callers release in a defer on
// every exit path.
func (l *Lock) Release(ctx context.Context, key string) error {
	return l.cache.Del(ctx, key)
}
