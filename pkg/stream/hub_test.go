package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("issue.funded", map[string]string{"issue_id": "acme/widgets#42"})
	if evt.Type != "issue.funded" {
		t.Fatalf("expected type issue.funded, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["issue_id"] != "acme/widgets#42" {
		t.Fatalf("expected issue id in payload, got %q", payload["issue_id"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("payout.created", nil))

	select {
	case evt := <-ch:
		if evt.Type != "payout.created" {
			t.Fatalf("expected payout.created event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenSubscriberLagging(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("payout.created", nil))
	h.Publish(NewEvent("payout.done", nil))

	select {
	case evt := <-ch:
		if evt.Type != "payout.created" {
			t.Fatalf("expected first event to remain buffered, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("second event should have been dropped for the lagging subscriber, got %q", evt.Type)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
