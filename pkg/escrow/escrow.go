// Package escrow fronts the settlement service that holds and releases
// bounty funds. The pipeline only ever asks it four things: create an
// escrow, credit it, release to a recipient, and read a balance.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"osm402/pkg/httpx"
	"osm402/pkg/mandate"
)

var (
	// ErrReverted means the chain rejected the transaction after submission.
	ErrReverted = errors.New("escrow: transaction reverted")
	// ErrReceiptTimeout means the receipt never confirmed before the caller's deadline.
	ErrReceiptTimeout = errors.New("escrow: receipt not confirmed")
)

type CreateRequest struct {
	EscrowAddress string `json:"escrow_address"`
	Asset         string `json:"asset"`
	ChainID       uint64 `json:"chain_id"`
	CapRaw        string `json:"cap_raw"`
	IntentHash    string `json:"intent_hash"`
}

type ReleaseRequest struct {
	EscrowAddress string               `json:"escrow_address"`
	Recipient     string               `json:"recipient"`
	AmountRaw     string               `json:"amount_raw"`
	Intent        mandate.SignedIntent `json:"intent"`
	Cart          mandate.SignedCart   `json:"cart"`
}

type Receipt struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

const (
	ReceiptPending   = "pending"
	ReceiptConfirmed = "confirmed"
	ReceiptReverted  = "reverted"
)

type Gateway interface {
	CreateEscrow(ctx context.Context, req CreateRequest) (Receipt, error)
	Deposit(ctx context.Context, escrowAddress, amountRaw, reference string) (Receipt, error)
	Release(ctx context.Context, req ReleaseRequest) (Receipt, error)
	BalanceOf(ctx context.Context, escrowAddress string) (string, error)
	// Live reports whether this gateway moves real funds. Live gateways
	// must never be paired with mock signers.
	Live() bool
}

// HTTPGateway talks to the settlement service over JSON. Submissions
// return a tx hash immediately; the gateway then polls the receipt until
// it confirms, reverts, or the caller's context expires.
type HTTPGateway struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	log          zerolog.Logger
}

type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
}

func NewHTTPGateway(cfg Config, log zerolog.Logger) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("escrow: base url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &HTTPGateway{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
		log:          log,
	}, nil
}

func (g *HTTPGateway) Live() bool { return true }

func (g *HTTPGateway) headers() map[string]string {
	h := map[string]string{}
	if g.apiKey != "" {
		h["Authorization"] = "Bearer " + g.apiKey
	}
	return h
}

func (g *HTTPGateway) submit(ctx context.Context, path string, payload any) (Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, g.client, http.MethodPost, g.baseURL+path, body, g.headers(), 2, 500*time.Millisecond)
	if err != nil {
		return Receipt{}, err
	}
	if status >= 300 {
		return Receipt{}, fmt.Errorf("escrow: %s status=%d body=%s", path, status, truncate(respBody))
	}
	var rec Receipt
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return Receipt{}, fmt.Errorf("escrow: bad submit response: %w", err)
	}
	if rec.TxHash == "" {
		return Receipt{}, fmt.Errorf("escrow: submit returned no tx hash")
	}
	return g.awaitReceipt(ctx, rec)
}

// awaitReceipt polls until the receipt leaves pending. A reverted receipt
// is a hard failure with the tx hash preserved for the audit trail.
func (g *HTTPGateway) awaitReceipt(ctx context.Context, rec Receipt) (Receipt, error) {
	for {
		switch rec.Status {
		case ReceiptConfirmed:
			return rec, nil
		case ReceiptReverted:
			return rec, fmt.Errorf("%w: tx=%s", ErrReverted, rec.TxHash)
		}
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("%w: tx=%s: %v", ErrReceiptTimeout, rec.TxHash, ctx.Err())
		case <-time.After(g.pollInterval):
		}
		status, body, err := httpx.RequestJSON(ctx, g.client, http.MethodGet, g.baseURL+"/receipts/"+rec.TxHash, nil, g.headers(), 2, 500*time.Millisecond)
		if err != nil {
			return rec, err
		}
		if status >= 300 {
			return rec, fmt.Errorf("escrow: receipt status=%d", status)
		}
		var next Receipt
		if err := json.Unmarshal(body, &next); err != nil {
			return rec, fmt.Errorf("escrow: bad receipt: %w", err)
		}
		if next.TxHash == "" {
			next.TxHash = rec.TxHash
		}
		rec = next
		g.log.Debug().Str("tx", rec.TxHash).Str("status", rec.Status).Msg("receipt poll")
	}
}

func (g *HTTPGateway) CreateEscrow(ctx context.Context, req CreateRequest) (Receipt, error) {
	return g.submit(ctx, "/escrows", req)
}

func (g *HTTPGateway) Deposit(ctx context.Context, escrowAddress, amountRaw, reference string) (Receipt, error) {
	return g.submit(ctx, "/escrows/"+escrowAddress+"/deposits", map[string]string{
		"amount_raw": amountRaw,
		"reference":  reference,
	})
}

func (g *HTTPGateway) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	return g.submit(ctx, "/escrows/"+req.EscrowAddress+"/release", req)
}

func (g *HTTPGateway) BalanceOf(ctx context.Context, escrowAddress string) (string, error) {
	status, body, err := httpx.RequestJSON(ctx, g.client, http.MethodGet, g.baseURL+"/escrows/"+escrowAddress+"/balance", nil, g.headers(), 2, 500*time.Millisecond)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("escrow: balance status=%d", status)
	}
	var out struct {
		BalanceRaw string `json:"balance_raw"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("escrow: bad balance response: %w", err)
	}
	return out.BalanceRaw, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
