package records

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"osm402/pkg/models"
	"osm402/pkg/payoutfsm"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	execTag pgconn.CommandTag
	execErr error
	execSQL []string
	rowScan func(dest ...any) error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return f.execTag, f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{scan: f.rowScan}
}

func TestSetPayoutStatusRejectsInvalidTransition(t *testing.T) {
	db := &fakeDB{}
	s := New(db)
	err := s.SetPayoutStatus(context.Background(), "octo/widgets", 7, payoutfsm.Done, payoutfsm.Executing)
	if !errors.Is(err, payoutfsm.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(db.execSQL) != 0 {
		t.Fatal("invalid transition reached the database")
	}
}

func TestSetPayoutStatusStale(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")}
	s := New(db)
	err := s.SetPayoutStatus(context.Background(), "octo/widgets", 7, payoutfsm.Pending, payoutfsm.Executing)
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("err = %v, want ErrStaleStatus", err)
	}
}

func TestSetPayoutStatusCAS(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
	s := New(db)
	if err := s.SetPayoutStatus(context.Background(), "octo/widgets", 7, payoutfsm.Failed, payoutfsm.Executing); err != nil {
		t.Fatalf("retry transition: %v", err)
	}
}

func TestCreatePayoutMapsUniqueViolation(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: "23505", ConstraintName: "uq_payouts_issue_active"}}
	s := New(db)
	_, err := s.CreatePayout(context.Background(), models.Payout{PayoutID: "p1", RepoKey: "octo/widgets", PRNumber: 7, IssueNumber: 42})
	if !errors.Is(err, ErrPayoutExists) {
		t.Fatalf("err = %v, want ErrPayoutExists", err)
	}
}

func TestCreatePayoutOtherErrorsPassThrough(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	s := New(db)
	_, err := s.CreatePayout(context.Background(), models.Payout{PayoutID: "p1"})
	if errors.Is(err, ErrPayoutExists) {
		t.Fatal("non-unique error mapped to ErrPayoutExists")
	}
	if err == nil {
		t.Fatal("want error")
	}
}

func TestRecordDeliveryDuplicate(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("INSERT 0 0")}
	s := New(db)
	err := s.RecordDelivery(context.Background(), models.WebhookDelivery{DeliveryID: "d-1", EventKey: "pull_request"})
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("err = %v, want ErrDuplicateDelivery", err)
	}
}

func TestRecordDeliveryFirst(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	s := New(db)
	if err := s.RecordDelivery(context.Background(), models.WebhookDelivery{DeliveryID: "d-1", EventKey: "issues"}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
}

func TestSetIssueStatusGuards(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
	s := New(db)
	if _, err := s.SetIssueStatus(context.Background(), "octo/widgets", 42, models.IssueFunded, models.IssueExpired); !errors.Is(err, payoutfsm.ErrInvalidTransition) {
		t.Fatalf("funded issues must not expire, got %v", err)
	}
	if n, err := s.SetIssueStatus(context.Background(), "octo/widgets", 42, models.IssuePending, models.IssueExpired); err != nil || n != 1 {
		t.Fatalf("pending -> expired: n=%d err=%v", n, err)
	}
}

func TestNextNonce(t *testing.T) {
	calls := 0
	db := &fakeDB{rowScan: func(dest ...any) error {
		calls++
		*(dest[0].(*uint64)) = uint64(calls)
		return nil
	}}
	s := New(db)
	a, err := s.NextNonce(context.Background(), "intent:octo/widgets")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.NextNonce(context.Background(), "intent:octo/widgets")
	if a == b {
		t.Fatalf("nonce did not advance: %d %d", a, b)
	}
}

func TestAttachPayoutAddressEmptyNoop(t *testing.T) {
	db := &fakeDB{}
	s := New(db)
	if err := s.AttachPayoutAddress(context.Background(), "octo/widgets", 7, ""); err != nil {
		t.Fatal(err)
	}
	if len(db.execSQL) != 0 {
		t.Fatal("empty address should not issue an update")
	}
}
