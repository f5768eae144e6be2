package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"labeled"}`)
	header := Sign("topsecret", body)
	if err := VerifySignature("topsecret", body, header); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("topsecret", []byte(`{"action":"labeled" }`), header); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("signature must cover exact raw bytes, got %v", err)
	}
	if err := VerifySignature("othersecret", body, header); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong secret accepted: %v", err)
	}
}

func TestVerifySignatureFailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{}`)
	if err := VerifySignature("", body, Sign("", body)); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("empty secret must fail closed, got %v", err)
	}
}

func TestVerifySignatureRejectsGarbageHeader(t *testing.T) {
	if err := VerifySignature("s", []byte("x"), "sha256=nothex"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if err := VerifySignature("s", []byte("x"), ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for missing header, got %v", err)
	}
}

func TestParseIssuesLabeled(t *testing.T) {
	raw := []byte(`{"action":"labeled","repository":{"full_name":"acme/widget"},"issue":{"number":7,"body":"bounty"},"label":{"name":"bounty:50"},"sender":{"login":"maintainer"}}`)
	evt, err := Parse("issues", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	labeled, ok := evt.(IssuesLabeled)
	if !ok {
		t.Fatalf("unexpected variant %T", evt)
	}
	if labeled.RepoKey != "acme/widget" || labeled.IssueNumber != 7 || labeled.Label != "bounty:50" {
		t.Fatalf("fields lost: %+v", labeled)
	}
}

func TestParsePullRequestClosed(t *testing.T) {
	raw := []byte(`{"action":"closed","repository":{"full_name":"acme/widget","default_branch":"main"},"pull_request":{"number":12,"merged":true,"merge_commit_sha":"abc","base":{"ref":"main"},"user":{"login":"contributor"},"additions":10,"deletions":2,"changed_files":1,"body":"closes #7"}}`)
	evt, err := Parse("pull_request", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	closed := evt.(PullRequestClosed)
	if !closed.Merged || closed.MergeSHA != "abc" || closed.BaseBranch != "main" || closed.DefaultBranch != "main" {
		t.Fatalf("fields lost: %+v", closed)
	}
}

func TestParseUnknownKeyIsUnhandled(t *testing.T) {
	_, err := Parse("watch", []byte(`{"action":"started","repository":{"full_name":"a/b"}}`))
	if !errors.Is(err, ErrUnhandled) {
		t.Fatalf("expected ErrUnhandled, got %v", err)
	}
}

func TestParseKnownKeyMissingFieldsRejected(t *testing.T) {
	_, err := Parse("issues", []byte(`{"action":"labeled","repository":{}}`))
	if !errors.Is(err, ErrBadEvent) {
		t.Fatalf("expected ErrBadEvent, got %v", err)
	}
	if _, err = Parse("issues", []byte(`not json`)); !errors.Is(err, ErrBadEvent) {
		t.Fatalf("expected ErrBadEvent for invalid json, got %v", err)
	}
}

func TestParseCommentDetectsPullRequestContext(t *testing.T) {
	raw := []byte(`{"action":"created","repository":{"full_name":"a/b"},"issue":{"number":3,"pull_request":{"url":"x"}},"comment":{"body":"hi","user":{"login":"u"}}}`)
	evt, err := Parse("issue_comment", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !evt.(IssueCommentCreated).OnPullRequest {
		t.Fatal("pull_request context not detected")
	}
}

func TestExtractClaimAddress(t *testing.T) {
	addr := "0x" + strings.Repeat("Ab", 20)
	cases := []struct {
		text string
		want string
	}{
		{"/osm402 address " + addr, addr},
		{"/OSM402 ADDRESS " + addr, addr},
		{"please pay osm402:address " + addr + " thanks", addr},
		{"/x402 address " + addr, addr},
		{"first /osm402 address " + addr + " then /osm402 address 0x" + strings.Repeat("cd", 20), addr},
		{"/osm402 address 0x123", ""},
		{"/osm402 address " + addr + "ff", ""},
		{"no claim here", ""},
	}
	for _, c := range cases {
		if got := ExtractClaimAddress(c.text); got != c.want {
			t.Fatalf("ExtractClaimAddress(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestExtractLinkedIssue(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"Closes #7", 7},
		{"fixes: #12", 12},
		{"Resolved #3 and closes #9", 3},
		{"refs #4", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := ExtractLinkedIssue(c.text); got != c.want {
			t.Fatalf("ExtractLinkedIssue(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}
