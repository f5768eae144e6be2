package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{Key: "test-key", BaseURL: srv.URL}, zerolog.Nop())
}

func TestReviewParsesFlags(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(chatResponse(`[{"code":"workflow_edit","detail":"modifies release workflow","confidence":0.9}]`)))
	})
	flags, err := c.Review(context.Background(), Input{RepoKey: "octo/widgets", PRNumber: 7})
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 1 || flags[0].Code != "workflow_edit" {
		t.Fatalf("flags = %+v", flags)
	}
	if got := flags[0].Reason(); got != "ai_risk:workflow_edit: modifies release workflow" {
		t.Fatalf("reason = %q", got)
	}
}

func TestReviewEmptyArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatResponse("[]")))
	})
	flags, err := c.Review(context.Background(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 0 {
		t.Fatalf("flags = %+v", flags)
	}
}

func TestReviewFencedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatResponse("```json\n[{\"code\":\"obfuscation\"}]\n```")))
	})
	flags, err := c.Review(context.Background(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 1 || flags[0].Code != "obfuscation" {
		t.Fatalf("flags = %+v", flags)
	}
}

func TestReviewBadResponseIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatResponse("I could not analyze this PR.")))
	})
	if _, err := c.Review(context.Background(), Input{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReviewServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.Review(context.Background(), Input{}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestReviewMissingKey(t *testing.T) {
	c := NewClient(Config{}, zerolog.Nop())
	if _, err := c.Review(context.Background(), Input{}); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestDisabled(t *testing.T) {
	c := Disabled{}
	flags, err := c.Review(context.Background(), Input{})
	if err != nil || flags != nil {
		t.Fatalf("flags=%v err=%v", flags, err)
	}
}
