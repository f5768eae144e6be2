package models

import "testing"

func TestMergeIssueKeepsExistingWhenIncomingEmpty(t *testing.T) {
	existing := Issue{
		RepoKey:       "acme/widget",
		Number:        7,
		CapUsd:        50,
		Asset:         "0x" + repeatHex("a", 40),
		PolicyHash:    "0x" + repeatHex("1", 64),
		EscrowAddress: "0x" + repeatHex("b", 40),
		FundingTx:     "0xdeadbeef",
	}
	got := MergeIssue(existing, Issue{})
	if got.CapUsd != 50 || got.Asset != existing.Asset || got.FundingTx != existing.FundingTx {
		t.Fatalf("empty merge must keep existing values: %+v", got)
	}
}

func TestMergeIssueNonEmptyWins(t *testing.T) {
	existing := Issue{CapUsd: 50, FundingTx: ""}
	got := MergeIssue(existing, Issue{CapUsd: 75, FundingTx: "0xabc"})
	if got.CapUsd != 75 {
		t.Fatalf("expected new cap 75, got %d", got.CapUsd)
	}
	if got.FundingTx != "0xabc" {
		t.Fatalf("expected funding tx set, got %q", got.FundingTx)
	}
}

func TestMergePullRequestNeverClearsLink(t *testing.T) {
	existing := PullRequest{Number: 12, IssueNumber: 7, PayoutAddress: "0x" + repeatHex("c", 40)}
	got := MergePullRequest(existing, PullRequest{Number: 12})
	if got.IssueNumber != 7 {
		t.Fatalf("issue link was cleared: %+v", got)
	}
	if got.PayoutAddress != existing.PayoutAddress {
		t.Fatalf("payout address was cleared: %+v", got)
	}
}

func TestMergePullRequestDiffReplacedWhenPresent(t *testing.T) {
	existing := PullRequest{Diff: DiffSummary{Files: []string{"a.go"}, Additions: 1}}
	incoming := PullRequest{Diff: DiffSummary{Files: []string{"b.go", "c.go"}, Additions: 10, Deletions: 2}}
	got := MergePullRequest(existing, incoming)
	if len(got.Diff.Files) != 2 || got.Diff.Additions != 10 {
		t.Fatalf("diff not replaced: %+v", got.Diff)
	}
	got = MergePullRequest(got, PullRequest{})
	if len(got.Diff.Files) != 2 {
		t.Fatalf("empty diff overwrote stored diff: %+v", got.Diff)
	}
}

func repeatHex(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
