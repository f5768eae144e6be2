package payoutfsm

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{Pending, Hold},
		{Pending, Executing},
		{Executing, Done},
		{Executing, Failed},
		{Failed, Executing},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s allowed", pair[0], pair[1])
		}
	}
	denied := [][2]string{
		{Hold, Executing},
		{Hold, Done},
		{Done, Executing},
		{Pending, Done},
		{Failed, Done},
		{Executing, Pending},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s denied", pair[0], pair[1])
		}
	}
}

func TestTransitionReturnsSentinel(t *testing.T) {
	got, err := Transition(Hold, Done)
	if err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got != Hold {
		t.Fatalf("failed transition must keep current status, got %s", got)
	}
}

func TestActive(t *testing.T) {
	for _, status := range []string{Pending, Hold, Executing, Done} {
		if !Active(status) {
			t.Fatalf("%s should block duplicate payouts", status)
		}
	}
	if Active(Failed) {
		t.Fatal("FAILED must not block a retry payout")
	}
	if Active("") {
		t.Fatal("absent payout must not count as active")
	}
}

func TestIssueTransitions(t *testing.T) {
	if !CanTransitionIssue("PENDING", "FUNDED") || !CanTransitionIssue("FUNDED", "PAID") {
		t.Fatal("happy path transitions denied")
	}
	if CanTransitionIssue("FUNDED", "FUNDED") || CanTransitionIssue("PAID", "FUNDED") {
		t.Fatal("funding must happen exactly once")
	}
	if !CanTransitionIssue("PENDING", "EXPIRED") {
		t.Fatal("pending issues must be expirable")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if IsExpired(now, 0) {
		t.Fatal("zero expiry must never expire")
	}
	if !IsExpired(now, now.Unix()-1) {
		t.Fatal("past expiry not detected")
	}
	if IsExpired(now, now.Unix()+60) {
		t.Fatal("future expiry treated as expired")
	}
}
