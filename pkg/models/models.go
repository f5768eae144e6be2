package models

import (
	"time"
)

// Issue statuses.
const (
	IssuePending = "PENDING"
	IssueFunded  = "FUNDED"
	IssuePaid    = "PAID"
	IssueExpired = "EXPIRED"
)

// PullRequest statuses.
const (
	PROpen   = "OPEN"
	PRMerged = "MERGED"
	PRClosed = "CLOSED"
	PRPaid   = "PAID"
)

// Issue is one bounty-labeled issue per (repo, issue number).
// EscrowAddress is a pure function of (repoKeyHash, number, policyHash);
// recomputing it for the same inputs must always yield the same value.
type Issue struct {
	RepoKey       string    `json:"repo_key"`
	Number        int64     `json:"number"`
	CapUsd        int64     `json:"cap_usd"`
	Asset         string    `json:"asset"`
	ChainID       uint64    `json:"chain_id"`
	PolicyHash    string    `json:"policy_hash"`
	ExpiresAt     int64     `json:"expires_at"`
	EscrowAddress string    `json:"escrow_address"`
	IntentHash    string    `json:"intent_hash"`
	FundingTx     string    `json:"funding_tx"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DiffSummary describes the merged change set of a pull request.
type DiffSummary struct {
	Files     []string `json:"files"`
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
}

type PullRequest struct {
	RepoKey       string      `json:"repo_key"`
	Number        int64       `json:"number"`
	IssueNumber   int64       `json:"issue_number,omitempty"`
	Author        string      `json:"author"`
	PayoutAddress string      `json:"payout_address,omitempty"`
	Diff          DiffSummary `json:"diff"`
	MergeSHA      string      `json:"merge_sha,omitempty"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Payout is the central state machine record, one per (repo, PR number).
// At most one non-FAILED payout may exist per issue; the record store
// enforces that with a partial unique index.
type Payout struct {
	PayoutID    string    `json:"payout_id"`
	RepoKey     string    `json:"repo_key"`
	PRNumber    int64     `json:"pr_number"`
	IssueNumber int64     `json:"issue_number"`
	Recipient   string    `json:"recipient"`
	AmountUsd   int64     `json:"amount_usd"`
	AmountRaw   string    `json:"amount_raw"`
	Tier        string    `json:"tier,omitempty"`
	CartHash    string    `json:"cart_hash,omitempty"`
	IntentHash  string    `json:"intent_hash,omitempty"`
	ReleaseTx   string    `json:"release_tx,omitempty"`
	HoldReasons []string  `json:"hold_reasons,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WebhookDelivery records one delivery id for idempotent intake.
// Never mutated after creation.
type WebhookDelivery struct {
	DeliveryID string    `json:"delivery_id"`
	EventKey   string    `json:"event_key"`
	ReceivedAt time.Time `json:"received_at"`
}

// RiskFlag is one advisory finding from the external review service.
type RiskFlag struct {
	Code       string  `json:"code"`
	Detail     string  `json:"detail,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (f RiskFlag) Reason() string {
	if f.Detail == "" {
		return "ai_risk:" + f.Code
	}
	return "ai_risk:" + f.Code + ": " + f.Detail
}
