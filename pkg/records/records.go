package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"osm402/pkg/models"
	"osm402/pkg/payoutfsm"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrPayoutExists      = errors.New("payout already exists for issue")
	ErrDuplicateDelivery = errors.New("delivery already processed")
	ErrStaleStatus       = errors.New("status changed concurrently")
)

// DB is the slice of pgx the store needs; handlers and tests provide pools
// or fakes.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns Issue, PullRequest, Payout and WebhookDelivery records. Status
// moves only through compare-and-swap updates (UPDATE ... WHERE status=$from);
// a zero rows-affected result means another writer got there first.
type Store struct {
	DB DB
}

func New(db DB) *Store { return &Store{DB: db} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- issues ---

const issueColumns = `repo_key, number, cap_usd, asset, chain_id, policy_hash, expires_at, escrow_address, intent_hash, funding_tx, status, created_at, updated_at`

func scanIssue(row pgx.Row) (models.Issue, error) {
	var it models.Issue
	err := row.Scan(&it.RepoKey, &it.Number, &it.CapUsd, &it.Asset, &it.ChainID, &it.PolicyHash, &it.ExpiresAt, &it.EscrowAddress, &it.IntentHash, &it.FundingTx, &it.Status, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return it, ErrNotFound
	}
	return it, err
}

func (s *Store) GetIssue(ctx context.Context, repoKey string, number int64) (models.Issue, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE repo_key=$1 AND number=$2`, repoKey, number)
	return scanIssue(row)
}

// UpsertIssue creates the issue or merges non-empty incoming fields into the
// stored snapshot. Status is never changed here.
func (s *Store) UpsertIssue(ctx context.Context, in models.Issue) (models.Issue, error) {
	existing, err := s.GetIssue(ctx, in.RepoKey, in.Number)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.Issue{}, err
	}
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		in.CreatedAt = now
		in.UpdatedAt = now
		if in.Status == "" {
			in.Status = models.IssuePending
		}
		_, err = s.DB.Exec(ctx, `
			INSERT INTO issues(`+issueColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (repo_key, number) DO NOTHING
		`, in.RepoKey, in.Number, in.CapUsd, in.Asset, in.ChainID, in.PolicyHash, in.ExpiresAt, in.EscrowAddress, in.IntentHash, in.FundingTx, in.Status, in.CreatedAt, in.UpdatedAt)
		if err != nil {
			return models.Issue{}, err
		}
		// lost races fall through to a merge against the winner
		existing, err = s.GetIssue(ctx, in.RepoKey, in.Number)
		if err != nil {
			return models.Issue{}, err
		}
		if existing.CreatedAt.Equal(in.CreatedAt) {
			return existing, nil
		}
	}
	merged := models.MergeIssue(existing, in)
	_, err = s.DB.Exec(ctx, `
		UPDATE issues SET cap_usd=$3, asset=$4, chain_id=$5, policy_hash=$6, expires_at=$7, escrow_address=$8, intent_hash=$9, funding_tx=$10, updated_at=$11
		WHERE repo_key=$1 AND number=$2
	`, merged.RepoKey, merged.Number, merged.CapUsd, merged.Asset, merged.ChainID, merged.PolicyHash, merged.ExpiresAt, merged.EscrowAddress, merged.IntentHash, merged.FundingTx, merged.UpdatedAt)
	if err != nil {
		return models.Issue{}, err
	}
	return merged, nil
}

// MarkIssueFunded flips PENDING -> FUNDED exactly once. A false return with
// nil error means the issue was already funded (idempotent no-op).
func (s *Store) MarkIssueFunded(ctx context.Context, repoKey string, number int64, escrowAddress, intentHash, fundingTx string) (bool, error) {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE issues SET status=$3, escrow_address=$4, intent_hash=$5, funding_tx=$6, updated_at=now()
		WHERE repo_key=$1 AND number=$2 AND status=$7
	`, repoKey, number, models.IssueFunded, escrowAddress, intentHash, fundingTx, models.IssuePending)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Store) SetIssueStatus(ctx context.Context, repoKey string, number int64, from, to string) (int64, error) {
	if !payoutfsm.CanTransitionIssue(from, to) {
		return 0, fmt.Errorf("issue %s -> %s: %w", from, to, payoutfsm.ErrInvalidTransition)
	}
	cmd, err := s.DB.Exec(ctx, `UPDATE issues SET status=$4, updated_at=now() WHERE repo_key=$1 AND number=$2 AND status=$3`, repoKey, number, from, to)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// ExpirePendingIssues sweeps PENDING issues whose expiry has passed.
func (s *Store) ExpirePendingIssues(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE issues SET status=$1, updated_at=now()
		WHERE status=$2 AND expires_at > 0 AND expires_at <= $3
	`, models.IssueExpired, models.IssuePending, now.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (s *Store) ListIssues(ctx context.Context, repoKey string, limit int) ([]models.Issue, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if repoKey == "" {
		rows, err = s.DB.Query(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY updated_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.DB.Query(ctx, `SELECT `+issueColumns+` FROM issues WHERE repo_key=$1 ORDER BY updated_at DESC LIMIT $2`, repoKey, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]models.Issue, 0, limit)
	for rows.Next() {
		if it, err := scanIssue(rows); err == nil {
			items = append(items, it)
		}
	}
	return items, rows.Err()
}

// --- pull requests ---

const prColumns = `repo_key, number, issue_number, author, payout_address, diff_files, diff_additions, diff_deletions, merge_sha, status, created_at, updated_at`

func scanPR(row pgx.Row) (models.PullRequest, error) {
	var pr models.PullRequest
	err := row.Scan(&pr.RepoKey, &pr.Number, &pr.IssueNumber, &pr.Author, &pr.PayoutAddress, &pr.Diff.Files, &pr.Diff.Additions, &pr.Diff.Deletions, &pr.MergeSHA, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pr, ErrNotFound
	}
	return pr, err
}

func (s *Store) GetPullRequest(ctx context.Context, repoKey string, number int64) (models.PullRequest, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE repo_key=$1 AND number=$2`, repoKey, number)
	return scanPR(row)
}

func (s *Store) UpsertPullRequest(ctx context.Context, in models.PullRequest) (models.PullRequest, error) {
	existing, err := s.GetPullRequest(ctx, in.RepoKey, in.Number)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.PullRequest{}, err
	}
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		in.CreatedAt = now
		in.UpdatedAt = now
		if in.Status == "" {
			in.Status = models.PROpen
		}
		_, err = s.DB.Exec(ctx, `
			INSERT INTO pull_requests(`+prColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (repo_key, number) DO NOTHING
		`, in.RepoKey, in.Number, in.IssueNumber, in.Author, in.PayoutAddress, in.Diff.Files, in.Diff.Additions, in.Diff.Deletions, in.MergeSHA, in.Status, in.CreatedAt, in.UpdatedAt)
		if err != nil {
			return models.PullRequest{}, err
		}
		existing, err = s.GetPullRequest(ctx, in.RepoKey, in.Number)
		if err != nil {
			return models.PullRequest{}, err
		}
		if existing.CreatedAt.Equal(in.CreatedAt) {
			return existing, nil
		}
	}
	merged := models.MergePullRequest(existing, in)
	_, err = s.DB.Exec(ctx, `
		UPDATE pull_requests SET issue_number=$3, author=$4, payout_address=$5, diff_files=$6, diff_additions=$7, diff_deletions=$8, merge_sha=$9, updated_at=$10
		WHERE repo_key=$1 AND number=$2
	`, merged.RepoKey, merged.Number, merged.IssueNumber, merged.Author, merged.PayoutAddress, merged.Diff.Files, merged.Diff.Additions, merged.Diff.Deletions, merged.MergeSHA, merged.UpdatedAt)
	if err != nil {
		return models.PullRequest{}, err
	}
	return merged, nil
}

// AttachPayoutAddress sets the claimed address on a PR. A non-empty new
// value wins; empty input is a no-op.
func (s *Store) AttachPayoutAddress(ctx context.Context, repoKey string, prNumber int64, address string) error {
	if address == "" {
		return nil
	}
	cmd, err := s.DB.Exec(ctx, `UPDATE pull_requests SET payout_address=$3, updated_at=now() WHERE repo_key=$1 AND number=$2`, repoKey, prNumber, address)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPullRequestsForIssue returns the PRs currently linked to an issue,
// used when a claim command arrives on the issue itself.
func (s *Store) ListPullRequestsForIssue(ctx context.Context, repoKey string, issueNumber int64) ([]models.PullRequest, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE repo_key=$1 AND issue_number=$2`, repoKey, issueNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.PullRequest
	for rows.Next() {
		if pr, err := scanPR(rows); err == nil {
			items = append(items, pr)
		}
	}
	return items, rows.Err()
}

// SetPullRequestStatus updates a PR's status. PAID is terminal: a
// re-delivered close event must not regress a paid PR to MERGED.
func (s *Store) SetPullRequestStatus(ctx context.Context, repoKey string, number int64, status string) error {
	_, err := s.DB.Exec(ctx, `UPDATE pull_requests SET status=$3, updated_at=now() WHERE repo_key=$1 AND number=$2 AND status<>$4`,
		repoKey, number, status, models.PRPaid)
	return err
}

// --- payouts ---

const payoutColumns = `payout_id, repo_key, pr_number, issue_number, recipient, amount_usd, amount_raw, tier, cart_hash, intent_hash, release_tx, hold_reasons, status, created_at, updated_at`

func scanPayout(row pgx.Row) (models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.PayoutID, &p.RepoKey, &p.PRNumber, &p.IssueNumber, &p.Recipient, &p.AmountUsd, &p.AmountRaw, &p.Tier, &p.CartHash, &p.IntentHash, &p.ReleaseTx, &p.HoldReasons, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *Store) GetPayout(ctx context.Context, repoKey string, prNumber int64) (models.Payout, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE repo_key=$1 AND pr_number=$2`, repoKey, prNumber)
	return scanPayout(row)
}

// GetActivePayoutForIssue finds the non-FAILED payout for an issue, if any.
func (s *Store) GetActivePayoutForIssue(ctx context.Context, repoKey string, issueNumber int64) (models.Payout, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE repo_key=$1 AND issue_number=$2 AND status <> $3
		ORDER BY created_at DESC LIMIT 1
	`, repoKey, issueNumber, payoutfsm.Failed)
	return scanPayout(row)
}

// CreatePayout inserts a new payout record. The partial unique index on
// (repo_key, issue_number) WHERE status <> 'FAILED' enforces at most one
// active payout per issue; violations surface as ErrPayoutExists and never
// touch the existing record.
func (s *Store) CreatePayout(ctx context.Context, p models.Payout) (models.Payout, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = payoutfsm.Pending
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payouts(`+payoutColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, p.PayoutID, p.RepoKey, p.PRNumber, p.IssueNumber, p.Recipient, p.AmountUsd, p.AmountRaw, p.Tier, p.CartHash, p.IntentHash, p.ReleaseTx, p.HoldReasons, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Payout{}, ErrPayoutExists
		}
		return models.Payout{}, err
	}
	return p, nil
}

// SetPayoutStatus is the CAS transition for the payout state machine.
func (s *Store) SetPayoutStatus(ctx context.Context, repoKey string, prNumber int64, from, to string) error {
	if !payoutfsm.CanTransition(from, to) {
		return fmt.Errorf("payout %s -> %s: %w", from, to, payoutfsm.ErrInvalidTransition)
	}
	cmd, err := s.DB.Exec(ctx, `UPDATE payouts SET status=$4, updated_at=now() WHERE repo_key=$1 AND pr_number=$2 AND status=$3`, repoKey, prNumber, from, to)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// SetPayoutMandates records the mandate hashes actually presented to the
// escrow for this payout attempt.
func (s *Store) SetPayoutMandates(ctx context.Context, repoKey string, prNumber int64, intentHash, cartHash string) error {
	_, err := s.DB.Exec(ctx, `UPDATE payouts SET intent_hash=$3, cart_hash=$4, updated_at=now() WHERE repo_key=$1 AND pr_number=$2`, repoKey, prNumber, intentHash, cartHash)
	return err
}

// CompletePayout records the release transaction while moving
// EXECUTING -> DONE.
func (s *Store) CompletePayout(ctx context.Context, repoKey string, prNumber int64, releaseTx string) error {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE payouts SET status=$3, release_tx=$4, updated_at=now()
		WHERE repo_key=$1 AND pr_number=$2 AND status=$5
	`, repoKey, prNumber, payoutfsm.Done, releaseTx, payoutfsm.Executing)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// --- webhook deliveries ---

// RecordDelivery is the idempotent-intake gate: the second insert of the
// same delivery id returns ErrDuplicateDelivery before any state mutation.
func (s *Store) RecordDelivery(ctx context.Context, d models.WebhookDelivery) error {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	cmd, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_deliveries(delivery_id, event_key, received_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (delivery_id) DO NOTHING
	`, d.DeliveryID, d.EventKey, d.ReceivedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateDelivery
	}
	return nil
}

// --- nonces ---

// NextNonce returns the next value of a persisted per-scope counter.
// Restart-safe and shared across instances; never a process-global.
func (s *Store) NextNonce(ctx context.Context, scope string) (uint64, error) {
	var value uint64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO nonces(scope, value) VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET value = nonces.value + 1
		RETURNING value
	`, scope).Scan(&value)
	return value, err
}
