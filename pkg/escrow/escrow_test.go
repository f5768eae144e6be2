package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGateway(t *testing.T, handler http.Handler) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g, err := NewHTTPGateway(Config{BaseURL: srv.URL, APIKey: "k", PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestReleaseConfirmsAfterPolling(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /escrows/0xabc/release", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Receipt{TxHash: "0xtx1", Status: ReceiptPending})
	})
	mux.HandleFunc("GET /receipts/0xtx1", func(w http.ResponseWriter, r *http.Request) {
		status := ReceiptPending
		if atomic.AddInt32(&polls, 1) >= 2 {
			status = ReceiptConfirmed
		}
		json.NewEncoder(w).Encode(Receipt{TxHash: "0xtx1", Status: status})
	})
	g := newTestGateway(t, mux)
	rec, err := g.Release(context.Background(), ReleaseRequest{EscrowAddress: "0xabc", Recipient: "0xdef", AmountRaw: "100"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TxHash != "0xtx1" || rec.Status != ReceiptConfirmed {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestReleaseReverted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /escrows/0xabc/release", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Receipt{TxHash: "0xtx2", Status: ReceiptPending})
	})
	mux.HandleFunc("GET /receipts/0xtx2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Receipt{TxHash: "0xtx2", Status: ReceiptReverted})
	})
	g := newTestGateway(t, mux)
	rec, err := g.Release(context.Background(), ReleaseRequest{EscrowAddress: "0xabc"})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("err = %v, want ErrReverted", err)
	}
	if rec.TxHash != "0xtx2" {
		t.Fatalf("tx hash lost: %+v", rec)
	}
}

func TestReceiptTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /escrows/0xabc/deposits", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Receipt{TxHash: "0xtx3", Status: ReceiptPending})
	})
	mux.HandleFunc("GET /receipts/0xtx3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Receipt{TxHash: "0xtx3", Status: ReceiptPending})
	})
	g := newTestGateway(t, mux)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Deposit(ctx, "0xabc", "100", "fund:42")
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("err = %v, want ErrReceiptTimeout", err)
	}
}

func TestSubmitErrorStatus(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	if _, err := g.CreateEscrow(context.Background(), CreateRequest{EscrowAddress: "0xabc"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestBalanceOf(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"balance_raw": "250000000"})
	}))
	bal, err := g.BalanceOf(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if bal != "250000000" {
		t.Fatalf("balance = %q", bal)
	}
}

func TestMockAccounting(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	if _, err := m.CreateEscrow(ctx, CreateRequest{EscrowAddress: "0xesc"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Deposit(ctx, "0xesc", "500", "fund:42"); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Release(ctx, ReleaseRequest{EscrowAddress: "0xesc", Recipient: "0xdef", AmountRaw: "200"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ReceiptConfirmed || rec.TxHash == "" {
		t.Fatalf("receipt = %+v", rec)
	}
	bal, _ := m.BalanceOf(ctx, "0xesc")
	if bal != "300" {
		t.Fatalf("balance = %q", bal)
	}
	if _, err := m.Release(ctx, ReleaseRequest{EscrowAddress: "0xesc", AmountRaw: "1000"}); err == nil {
		t.Fatal("expected insufficient balance")
	}
	if m.Live() {
		t.Fatal("mock must not report live")
	}
}

func TestMockFailRelease(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	m.Deposit(ctx, "0xesc", "500", "")
	m.FailRelease = errors.New("boom")
	if _, err := m.Release(ctx, ReleaseRequest{EscrowAddress: "0xesc", AmountRaw: "100"}); err == nil {
		t.Fatal("expected injected failure")
	}
	if _, err := m.Release(ctx, ReleaseRequest{EscrowAddress: "0xesc", AmountRaw: "100"}); err != nil {
		t.Fatalf("failure should be one-shot: %v", err)
	}
}
