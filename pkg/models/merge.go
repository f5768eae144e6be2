package models

import "time"

// Records are immutable value snapshots. Updates go through the merge
// functions below: a new non-empty value wins, otherwise the existing value
// is kept. Statuses are not merged here; status moves only through the
// record store's compare-and-swap transitions.

func MergeIssue(existing, incoming Issue) Issue {
	out := existing
	if incoming.CapUsd > 0 {
		out.CapUsd = incoming.CapUsd
	}
	out.Asset = pickString(existing.Asset, incoming.Asset)
	if incoming.ChainID != 0 {
		out.ChainID = incoming.ChainID
	}
	out.PolicyHash = pickString(existing.PolicyHash, incoming.PolicyHash)
	if incoming.ExpiresAt > 0 {
		out.ExpiresAt = incoming.ExpiresAt
	}
	out.EscrowAddress = pickString(existing.EscrowAddress, incoming.EscrowAddress)
	out.IntentHash = pickString(existing.IntentHash, incoming.IntentHash)
	out.FundingTx = pickString(existing.FundingTx, incoming.FundingTx)
	out.UpdatedAt = time.Now().UTC()
	return out
}

func MergePullRequest(existing, incoming PullRequest) PullRequest {
	out := existing
	if incoming.IssueNumber > 0 {
		out.IssueNumber = incoming.IssueNumber
	}
	out.Author = pickString(existing.Author, incoming.Author)
	out.PayoutAddress = pickString(existing.PayoutAddress, incoming.PayoutAddress)
	if len(incoming.Diff.Files) > 0 || incoming.Diff.Additions > 0 || incoming.Diff.Deletions > 0 {
		out.Diff = incoming.Diff
	}
	out.MergeSHA = pickString(existing.MergeSHA, incoming.MergeSHA)
	out.UpdatedAt = time.Now().UTC()
	return out
}

func pickString(existing, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}
