// Package audit appends one immutable record per pipeline decision: what
// arrived, what the policy said, and what moved money. Rows are never
// updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record captures one decision. Stage is the pipeline step ("intake",
// "merge", "fund", "execute", "hold_override", "expire"); Outcome the
// named result ("payout_created", "no_linked_issue", "released", ...).
type Record struct {
	DecisionID  string
	RepoKey     string
	IssueNumber int64
	PRNumber    int64
	Stage       string
	Outcome     string
	Reasons     []string
	Actor       string
	Recipient   string
	IntentHash  string
	CartHash    string
	Detail      json.RawMessage
	CreatedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, repo_key, issue_number, pr_number, stage, outcome, reasons, actor, recipient, intent_hash, cart_hash, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.DecisionID, rec.RepoKey, rec.IssueNumber, rec.PRNumber, rec.Stage, rec.Outcome, rec.Reasons, rec.Actor, rec.Recipient, rec.IntentHash, rec.CartHash, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, repo_key, issue_number, pr_number, stage, outcome, reasons, actor, recipient, intent_hash, cart_hash, detail, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	var detail json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.RepoKey, &rec.IssueNumber, &rec.PRNumber, &rec.Stage, &rec.Outcome, &rec.Reasons, &rec.Actor, &rec.Recipient, &rec.IntentHash, &rec.CartHash, &detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}
