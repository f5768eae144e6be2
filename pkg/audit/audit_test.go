package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	args []any
}

func (f *fakeAuditDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeAuditDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestAppendRedactsActorAndRecipient(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("pepper")}
	rec := Record{
		DecisionID: "d-1",
		RepoKey:    "octo/widgets",
		PRNumber:   7,
		Stage:      "merge",
		Outcome:    "payout_created",
		Actor:      "alice",
		Recipient:  "0x1111111111111111111111111111111111111111",
		Detail:     json.RawMessage(`{"amount_usd":250}`),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	actor, _ := db.args[7].(string)
	recipient, _ := db.args[8].(string)
	if actor == "alice" || len(actor) != 64 {
		t.Fatalf("actor not redacted: %q", actor)
	}
	if strings.HasPrefix(recipient, "0x") {
		t.Fatalf("recipient not redacted: %q", recipient)
	}
	detail, _ := db.args[11].(json.RawMessage)
	if !strings.Contains(string(detail), "detail_hash") {
		t.Fatalf("detail not redacted: %s", detail)
	}
}

func TestAppendClearWhenRedactOff(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	rec := Record{DecisionID: "d-2", Stage: "execute", Outcome: "released", Actor: "bob"}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if actor, _ := db.args[7].(string); actor != "bob" {
		t.Fatalf("actor = %q", actor)
	}
}

func TestRedactDetailInvalidJSON(t *testing.T) {
	out := redactDetail(json.RawMessage(`{broken`), nil)
	if !strings.Contains(string(out), "redaction_error") {
		t.Fatalf("expected redaction_error, got %s", out)
	}
}

func TestRedactDetailStableUnderKeyOrder(t *testing.T) {
	a := redactDetail(json.RawMessage(`{"a":1,"b":2}`), []byte("s"))
	b := redactDetail(json.RawMessage(`{"b":2,"a":1}`), []byte("s"))
	if string(a) != string(b) {
		t.Fatalf("hash differs under key reorder:\n%s\n%s", a, b)
	}
}
