package ratelimit

import (
	"testing"
	"time"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	limiter := NewInMemory(50 * time.Millisecond)
	key := "/v1/fund:203.0.113.9"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("third funding attempt should be rejected: %+v", third)
	}
	time.Sleep(70 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected fresh window after expiry, got %+v", reset)
	}
}

func TestInMemoryLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	if d := limiter.Allow("/v1/fund:203.0.113.9", 1); !d.Allowed {
		t.Fatalf("first sponsor should be allowed: %+v", d)
	}
	if d := limiter.Allow("/v1/fund:203.0.113.9", 1); d.Allowed {
		t.Fatalf("first sponsor should be capped: %+v", d)
	}
	if d := limiter.Allow("/v1/fund:198.51.100.4", 1); !d.Allowed {
		t.Fatalf("second sponsor must not share the first sponsor's window: %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	decision := limiter.Allow("/webhooks/forge:10.0.0.1", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected floor limit=1 and allowed decision, got %+v", decision)
	}
}

func TestNewInMemoryDefaultWindow(t *testing.T) {
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("expected default one-minute window, got %v", lim.window)
	}
}
