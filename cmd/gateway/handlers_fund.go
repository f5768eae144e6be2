package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"osm402/pkg/audit"
	"osm402/pkg/escrow"
	"osm402/pkg/httpx"
	"osm402/pkg/mandate"
	"osm402/pkg/models"
	"osm402/pkg/policy"
	"osm402/pkg/records"
	"osm402/pkg/statebus"
)

type fundRequest struct {
	RepoKey      string `json:"repo_key"`
	IssueNumber  int64  `json:"issue_number"`
	BountyCapUsd int64  `json:"bounty_cap_usd,omitempty"`
	PolicyYAML   string `json:"policy_yaml,omitempty"`
}

// usdToRaw converts a whole-dollar amount to raw asset units.
func usdToRaw(amountUsd int64, decimals int) string {
	raw := new(big.Int).SetInt64(amountUsd)
	raw.Mul(raw, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return raw.String()
}

// handleFund drives the sponsor flow. Without an X-Payment header the
// response is 402 with payment instructions; with one, the payment proof
// is deposited and the issue transitions PENDING to FUNDED exactly once.
func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		httpx.Error(w, 400, "bad request body")
		return
	}
	var req fundRequest
	if err := json.Unmarshal(body, &req); err != nil || req.RepoKey == "" || req.IssueNumber <= 0 {
		httpx.Error(w, 400, "repo_key and issue_number required")
		return
	}

	issue, err := s.Records.GetIssue(r.Context(), req.RepoKey, req.IssueNumber)
	if errors.Is(err, records.ErrNotFound) {
		// Sponsors may open the bounty directly when no label event seeded it,
		// as long as they state the cap.
		if req.BountyCapUsd <= 0 {
			httpx.Error(w, 404, "bounty not found")
			return
		}
		issue, err = s.openBounty(r.Context(), req)
		if err != nil {
			s.Log.Error().Err(err).Str("repo", req.RepoKey).Int64("issue", req.IssueNumber).Msg("open bounty failed")
			httpx.Error(w, 500, "could not open bounty")
			return
		}
	} else if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}
	switch issue.Status {
	case models.IssueExpired:
		httpx.Error(w, 409, "bounty expired")
		return
	case models.IssueFunded, models.IssuePaid:
		httpx.WriteJSON(w, 200, map[string]any{
			"status":         "funded",
			"escrow_address": issue.EscrowAddress,
			"funding_tx":     issue.FundingTx,
		})
		return
	}

	payment := r.Header.Get("X-Payment")
	if payment == "" {
		httpx.WriteJSON(w, http.StatusPaymentRequired, map[string]any{
			"amount_raw":   usdToRaw(issue.CapUsd, s.AssetDecimals),
			"asset":        issue.Asset,
			"chain_id":     issue.ChainID,
			"pay_to":       issue.EscrowAddress,
			"instructions": "retry with an X-Payment header carrying the payment proof",
		})
		return
	}

	if err := s.fundIssue(r.Context(), issue, payment); err != nil {
		s.Log.Error().Err(err).Str("repo", issue.RepoKey).Int64("issue", issue.Number).Msg("funding failed")
		httpx.Error(w, http.StatusBadGateway, "funding failed")
		return
	}
	funded, err := s.Records.GetIssue(r.Context(), issue.RepoKey, issue.Number)
	if err != nil {
		funded = issue
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"status":         "funded",
		"escrow_address": funded.EscrowAddress,
		"funding_tx":     funded.FundingTx,
		"intent_hash":    funded.IntentHash,
	})
}

// openBounty creates a PENDING issue from a sponsor-supplied cap and
// optional inline policy document.
func (s *Server) openBounty(ctx context.Context, req fundRequest) (models.Issue, error) {
	var polHash string
	if req.PolicyYAML != "" {
		raw := []byte(req.PolicyYAML)
		if _, err := policy.Parse(raw); err != nil {
			s.Log.Warn().Err(err).Str("repo", req.RepoKey).Msg("inline policy parse failed, using default")
		} else if h, err := policy.Hash(raw); err == nil {
			polHash = h
		}
	}
	if polHash == "" {
		_, polHash = s.loadPolicy(ctx, req.RepoKey, req.BountyCapUsd)
	}
	escrowAddr, err := mandate.DeriveEscrowAddress(mandate.RepoKeyHash(req.RepoKey), req.IssueNumber, polHash)
	if err != nil {
		return models.Issue{}, err
	}
	issue, err := s.Records.UpsertIssue(ctx, models.Issue{
		RepoKey:       req.RepoKey,
		Number:        req.IssueNumber,
		CapUsd:        req.BountyCapUsd,
		Asset:         s.DefaultAsset,
		ChainID:       s.Mandates.Params().ChainID,
		PolicyHash:    polHash,
		ExpiresAt:     time.Now().Add(s.BountyTTL).Unix(),
		EscrowAddress: escrowAddr,
		Status:        models.IssuePending,
	})
	if err != nil {
		return models.Issue{}, err
	}
	s.auditAppend(ctx, audit.Record{
		DecisionID:  uuid.NewString(),
		RepoKey:     req.RepoKey,
		IssueNumber: req.IssueNumber,
		Stage:       "fund",
		Outcome:     "bounty_opened",
	})
	s.publish("issue.pending", issue)
	return issue, nil
}

// fundIssue deposits the escrow amount, signs the spending envelope, and
// claims the PENDING to FUNDED transition. Concurrent callers race on the
// claim; the loser treats the winner's deposit as authoritative.
func (s *Server) fundIssue(ctx context.Context, issue models.Issue, paymentRef string) error {
	capRaw := usdToRaw(issue.CapUsd, s.AssetDecimals)

	nonce, err := s.Records.NextNonce(ctx, fmt.Sprintf("intent:%s:%d", issue.RepoKey, issue.Number))
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	capUnits, _ := new(big.Int).SetString(capRaw, 10)
	signed, err := s.Mandates.BuildIntent(mandate.Intent{
		ChainID:     issue.ChainID,
		RepoKeyHash: mandate.RepoKeyHash(issue.RepoKey),
		IssueNumber: issue.Number,
		Asset:       issue.Asset,
		Cap:         capUnits,
		Expiry:      issue.ExpiresAt,
		PolicyHash:  issue.PolicyHash,
		Nonce:       nonce,
	})
	if err != nil {
		return fmt.Errorf("intent: %w", err)
	}

	if _, err := s.Escrow.CreateEscrow(ctx, escrow.CreateRequest{
		EscrowAddress: issue.EscrowAddress,
		Asset:         issue.Asset,
		ChainID:       issue.ChainID,
		CapRaw:        capRaw,
		IntentHash:    signed.Hash,
	}); err != nil {
		s.Metrics.IncEscrowCall("create", "error")
		return fmt.Errorf("create escrow: %w", err)
	}
	s.Metrics.IncEscrowCall("create", "ok")

	receipt, err := s.Escrow.Deposit(ctx, issue.EscrowAddress, capRaw, paymentRef)
	if err != nil {
		s.Metrics.IncEscrowCall("deposit", "error")
		return fmt.Errorf("deposit: %w", err)
	}
	s.Metrics.IncEscrowCall("deposit", "ok")

	claimed, err := s.Records.MarkIssueFunded(ctx, issue.RepoKey, issue.Number, issue.EscrowAddress, signed.Hash, receipt.TxHash)
	if err != nil {
		return fmt.Errorf("mark funded: %w", err)
	}
	if !claimed {
		s.Log.Info().Str("repo", issue.RepoKey).Int64("issue", issue.Number).Msg("issue already funded by concurrent request")
		return nil
	}

	s.auditAppend(ctx, audit.Record{
		DecisionID:  uuid.NewString(),
		RepoKey:     issue.RepoKey,
		IssueNumber: issue.Number,
		Stage:       "fund",
		Outcome:     "issue_funded",
		IntentHash:  signed.Hash,
	})
	s.busPublish(ctx, statebus.Event{
		Kind:        "issue.funded",
		RepoKey:     issue.RepoKey,
		IssueNumber: issue.Number,
		Status:      models.IssueFunded,
		AmountUsd:   issue.CapUsd,
	})
	s.publish("issue.funded", map[string]any{
		"repo_key": issue.RepoKey, "issue_number": issue.Number, "funding_tx": receipt.TxHash,
	})
	_ = s.Forge.PostIssueComment(ctx, issue.RepoKey, issue.Number,
		fmt.Sprintf("Bounty escrow funded: %d USD held at `%s` (tx `%s`).", issue.CapUsd, issue.EscrowAddress, receipt.TxHash))
	return nil
}
