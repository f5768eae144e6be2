package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"osm402/pkg/audit"
	"osm402/pkg/httpx"
	"osm402/pkg/mandate"
	"osm402/pkg/models"
	"osm402/pkg/policy"
	"osm402/pkg/records"
	"osm402/pkg/statebus"
	"osm402/pkg/webhook"
)

func readRequestBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errors.New("request body too large")
		}
		return nil, err
	}
	return body, nil
}

// handleWebhook is the single intake endpoint: verify, dedupe, parse,
// route. Duplicate deliveries and unhandled events both return 200 so the
// forge does not retry them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		if err.Error() == "request body too large" {
			httpx.Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httpx.Error(w, 400, "bad request body")
		return
	}
	if err := webhook.VerifySignature(s.WebhookSecret, body, r.Header.Get(webhook.HeaderSignature)); err != nil {
		s.Metrics.IncWebhookEvent("unknown", "bad_signature")
		httpx.Error(w, 401, "signature verification failed")
		return
	}
	deliveryID := r.Header.Get(webhook.HeaderDelivery)
	if deliveryID == "" {
		httpx.Error(w, 400, "missing delivery id")
		return
	}
	eventType := r.Header.Get(webhook.HeaderEvent)

	err = s.Records.RecordDelivery(r.Context(), models.WebhookDelivery{
		DeliveryID: deliveryID,
		EventKey:   eventType,
	})
	if errors.Is(err, records.ErrDuplicateDelivery) {
		s.Metrics.IncWebhookEvent(eventType, "duplicate")
		httpx.WriteJSON(w, 200, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		s.Log.Error().Err(err).Str("delivery", deliveryID).Msg("delivery record failed")
		httpx.Error(w, 500, "delivery record failed")
		return
	}

	evt, err := webhook.Parse(eventType, body)
	if errors.Is(err, webhook.ErrUnhandled) {
		s.Metrics.IncWebhookEvent(eventType, "unhandled")
		httpx.WriteJSON(w, 200, map[string]string{"status": "unhandled"})
		return
	}
	if err != nil {
		s.Metrics.IncWebhookEvent(eventType, "malformed")
		httpx.Error(w, 400, "malformed event payload")
		return
	}

	switch e := evt.(type) {
	case webhook.IssuesLabeled:
		err = s.onIssueLabeled(r.Context(), e)
	case webhook.PullRequestUpdate:
		err = s.onPullRequestUpdate(r.Context(), e)
	case webhook.PullRequestClosed:
		err = s.onPullRequestClosed(r.Context(), e)
	case webhook.IssueCommentCreated:
		err = s.onIssueComment(r.Context(), e)
	}
	if err != nil {
		s.Metrics.IncWebhookEvent(evt.Key(), "error")
		s.Log.Error().Err(err).Str("event", evt.Key()).Str("repo", evt.Repo()).Msg("webhook handling failed")
		httpx.Error(w, 500, "event handling failed")
		return
	}
	s.Metrics.IncWebhookEvent(evt.Key(), "handled")
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

// parseBountyLabel extracts the cap from labels like "bounty:500". Returns
// 0 when the label does not carry a positive amount.
func (s *Server) parseBountyLabel(label string) int64 {
	rest, ok := strings.CutPrefix(label, s.BountyLabelPrefix)
	if !ok {
		return 0
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || amount <= 0 {
		return 0
	}
	return amount
}

func (s *Server) onIssueLabeled(ctx context.Context, e webhook.IssuesLabeled) error {
	capUsd := s.parseBountyLabel(e.Label)
	if capUsd == 0 {
		return nil
	}
	_, polHash := s.loadPolicy(ctx, e.RepoKey, capUsd)

	escrowAddr, err := mandate.DeriveEscrowAddress(mandate.RepoKeyHash(e.RepoKey), e.IssueNumber, polHash)
	if err != nil {
		return err
	}
	issue, err := s.Records.UpsertIssue(ctx, models.Issue{
		RepoKey:       e.RepoKey,
		Number:        e.IssueNumber,
		CapUsd:        capUsd,
		Asset:         s.DefaultAsset,
		ChainID:       s.Mandates.Params().ChainID,
		PolicyHash:    polHash,
		ExpiresAt:     time.Now().Add(s.BountyTTL).Unix(),
		EscrowAddress: escrowAddr,
		Status:        models.IssuePending,
	})
	if err != nil {
		return err
	}

	s.auditAppend(ctx, audit.Record{
		DecisionID:  uuid.NewString(),
		RepoKey:     e.RepoKey,
		IssueNumber: e.IssueNumber,
		Stage:       "intake",
		Outcome:     "bounty_opened",
		Actor:       e.Sender,
	})
	s.publish("issue.pending", issue)

	if s.AutoFund && issue.Status == models.IssuePending {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.fundIssue(ctx, issue, "autofund"); err != nil {
				s.Log.Error().Err(err).Str("repo", issue.RepoKey).Int64("issue", issue.Number).Msg("auto-fund failed")
			}
		}()
	}
	return nil
}

func (s *Server) onPullRequestUpdate(ctx context.Context, e webhook.PullRequestUpdate) error {
	pr := models.PullRequest{
		RepoKey:     e.RepoKey,
		Number:      e.PRNumber,
		IssueNumber: webhook.ExtractLinkedIssue(e.Body),
		Author:      e.Author,
		Diff: models.DiffSummary{
			Additions: e.Additions,
			Deletions: e.Deletions,
		},
		Status: models.PROpen,
	}
	if addr := webhook.ExtractClaimAddress(e.Body); addr != "" {
		pr.PayoutAddress = addr
	}
	_, err := s.Records.UpsertPullRequest(ctx, pr)
	return err
}

// onIssueComment handles payout address claims. A claim on a PR binds to
// that PR; a claim on an issue binds to every PR currently linked to it.
func (s *Server) onIssueComment(ctx context.Context, e webhook.IssueCommentCreated) error {
	addr := webhook.ExtractClaimAddress(e.Body)
	if addr == "" {
		return nil
	}
	if e.OnPullRequest {
		err := s.Records.AttachPayoutAddress(ctx, e.RepoKey, e.IssueNumber, addr)
		if errors.Is(err, records.ErrNotFound) {
			return nil
		}
		return err
	}
	prs, err := s.Records.ListPullRequestsForIssue(ctx, e.RepoKey, e.IssueNumber)
	if err != nil {
		return err
	}
	for _, pr := range prs {
		if err := s.Records.AttachPayoutAddress(ctx, e.RepoKey, pr.Number, addr); err != nil && !errors.Is(err, records.ErrNotFound) {
			return err
		}
	}
	return nil
}

// loadPolicy fetches the repository policy document live from the forge.
// Any fetch or parse failure falls back to the default policy so a broken
// document can never widen payouts past the bounty cap.
func (s *Server) loadPolicy(ctx context.Context, repoKey string, capUsd int64) (*policy.Policy, string) {
	fallback := func() (*policy.Policy, string) {
		p := policy.Default(capUsd)
		h, _ := policy.HashPolicy(p)
		return p, h
	}
	raw, err := s.Forge.GetFileContent(ctx, repoKey, "", s.PolicyPath)
	if err != nil {
		s.Log.Debug().Err(err).Str("repo", repoKey).Msg("policy fetch failed, using default")
		return fallback()
	}
	p, err := policy.Parse(raw)
	if err != nil {
		s.Log.Warn().Err(err).Str("repo", repoKey).Msg("policy parse failed, using default")
		return fallback()
	}
	h, err := policy.Hash(raw)
	if err != nil {
		return fallback()
	}
	return p, h
}

func (s *Server) auditAppend(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		s.Log.Error().Err(err).Str("stage", rec.Stage).Str("outcome", rec.Outcome).Msg("audit append failed")
	}
}

func (s *Server) busPublish(ctx context.Context, evt statebus.Event) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, evt); err != nil {
		s.Log.Error().Err(err).Str("kind", evt.Kind).Msg("statebus publish failed")
	}
}
