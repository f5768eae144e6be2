package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"osm402/pkg/audit"
	"osm402/pkg/escrow"
	"osm402/pkg/forge"
	"osm402/pkg/mandate"
	"osm402/pkg/models"
	"osm402/pkg/payoutfsm"
	"osm402/pkg/policy"
	"osm402/pkg/records"
	"osm402/pkg/review"
	"osm402/pkg/statebus"
	"osm402/pkg/webhook"
)

// Execution outcome errors surfaced to the execute endpoint.
var (
	errPayoutHeld     = errors.New("payout is on hold")
	errLockContention = errors.New("payout execution already in progress")
	errIncomplete     = errors.New("payout record incomplete")
)

// onPullRequestClosed runs the merge-to-payout pipeline. Every exit path
// writes an audit record naming the outcome.
func (s *Server) onPullRequestClosed(ctx context.Context, e webhook.PullRequestClosed) error {
	decisionID := uuid.NewString()
	auditOutcome := func(outcome string, reasons ...string) {
		s.auditAppend(ctx, audit.Record{
			DecisionID: decisionID,
			RepoKey:    e.RepoKey,
			PRNumber:   e.PRNumber,
			Stage:      "merge",
			Outcome:    outcome,
			Reasons:    reasons,
			Actor:      e.Author,
		})
	}

	if !e.Merged {
		if err := s.Records.SetPullRequestStatus(ctx, e.RepoKey, e.PRNumber, models.PRClosed); err != nil && !errors.Is(err, records.ErrNotFound) {
			return err
		}
		auditOutcome("closed_without_merge")
		return nil
	}
	if e.DefaultBranch != "" && e.BaseBranch != e.DefaultBranch {
		auditOutcome("not_default_branch")
		return nil
	}

	pr, err := s.Records.UpsertPullRequest(ctx, models.PullRequest{
		RepoKey:     e.RepoKey,
		Number:      e.PRNumber,
		IssueNumber: webhook.ExtractLinkedIssue(e.Body),
		Author:      e.Author,
		MergeSHA:    e.MergeSHA,
		Diff: models.DiffSummary{
			Additions: e.Additions,
			Deletions: e.Deletions,
		},
		Status: models.PRMerged,
	})
	if err != nil {
		return err
	}
	if err := s.Records.SetPullRequestStatus(ctx, e.RepoKey, e.PRNumber, models.PRMerged); err != nil {
		return err
	}
	pr.Status = models.PRMerged
	if addr := webhook.ExtractClaimAddress(e.Body); addr != "" && pr.PayoutAddress == "" {
		if err := s.Records.AttachPayoutAddress(ctx, e.RepoKey, e.PRNumber, addr); err == nil {
			pr.PayoutAddress = addr
		}
	}

	if pr.IssueNumber == 0 {
		auditOutcome("no_linked_issue")
		return nil
	}
	issue, err := s.Records.GetIssue(ctx, e.RepoKey, pr.IssueNumber)
	if errors.Is(err, records.ErrNotFound) {
		auditOutcome("no_linked_issue")
		return nil
	}
	if err != nil {
		return err
	}
	if issue.Status != models.IssueFunded {
		auditOutcome("issue_not_funded", "issue status is "+issue.Status)
		return nil
	}
	if existing, err := s.Records.GetActivePayoutForIssue(ctx, e.RepoKey, issue.Number); err == nil {
		auditOutcome("payout_already_exists", "active payout "+existing.PayoutID)
		return nil
	} else if !errors.Is(err, records.ErrNotFound) {
		return err
	}

	// Prefer the live file list over webhook counts; the webhook never
	// carries paths or patches.
	holdIn := policy.HoldInputs{}
	if files, err := s.Forge.ListPRFiles(ctx, e.RepoKey, e.PRNumber); err == nil {
		pr.Diff.Files = forge.Filenames(files)
		holdIn.NewDependencies = forge.AddedDependencies(files)
	} else {
		s.Log.Warn().Err(err).Int64("pr", e.PRNumber).Msg("pr file list unavailable, using stored diff")
	}

	pol, _ := s.loadPolicy(ctx, e.RepoKey, issue.CapUsd)
	amountUsd, tier := policy.ComputePayout(pol, pr.Diff)
	if amountUsd > issue.CapUsd {
		amountUsd = issue.CapUsd
	}

	flags, err := s.reviewPR(ctx, pr, e)
	if err != nil {
		auditOutcome("review_failed", err.Error())
		return err
	}

	if runs, err := s.Forge.ListCheckRuns(ctx, e.RepoKey, e.MergeSHA); err == nil {
		holdIn.PassedChecks = forge.PassedChecks(runs)
		if delta, ok := forge.CoverageDelta(runs); ok {
			holdIn.CoverageDelta = delta
		}
	} else {
		// Fail closed: an unreadable check list means required checks
		// count as missing.
		s.Log.Warn().Err(err).Str("sha", e.MergeSHA).Msg("check runs unavailable")
	}
	held, reasons := policy.EvaluateHold(pol, pr.Diff, holdIn, flags)
	if amountUsd <= 0 {
		held = true
		reasons = append(reasons, "payout amount is zero")
	}
	if !held && pr.PayoutAddress == "" {
		held = true
		reasons = append(reasons, "no payout address on file")
	}

	status := payoutfsm.Pending
	if held {
		status = payoutfsm.Hold
	}
	payout, err := s.Records.CreatePayout(ctx, models.Payout{
		PayoutID:    uuid.NewString(),
		RepoKey:     e.RepoKey,
		PRNumber:    e.PRNumber,
		IssueNumber: issue.Number,
		Recipient:   pr.PayoutAddress,
		AmountUsd:   amountUsd,
		AmountRaw:   usdToRaw(amountUsd, s.AssetDecimals),
		Tier:        tier,
		HoldReasons: reasons,
		Status:      status,
	})
	if errors.Is(err, records.ErrPayoutExists) {
		auditOutcome("payout_already_exists")
		return nil
	}
	if err != nil {
		return err
	}
	s.Metrics.IncPayoutState(status)

	if held {
		for _, r := range reasons {
			s.Metrics.IncHoldReason(r)
		}
		s.auditAppend(ctx, audit.Record{
			DecisionID:  decisionID,
			RepoKey:     e.RepoKey,
			IssueNumber: issue.Number,
			PRNumber:    e.PRNumber,
			Stage:       "merge",
			Outcome:     "payout_held",
			Reasons:     reasons,
			Actor:       e.Author,
			Recipient:   pr.PayoutAddress,
		})
		s.busPublish(ctx, statebus.Event{
			Kind:        "payout.hold",
			RepoKey:     e.RepoKey,
			IssueNumber: issue.Number,
			PRNumber:    e.PRNumber,
			Status:      payoutfsm.Hold,
			AmountUsd:   amountUsd,
			HoldReasons: reasons,
		})
		s.publish("payout.hold", payout)
		_ = s.Forge.PostIssueComment(ctx, e.RepoKey, e.PRNumber,
			fmt.Sprintf("Bounty payout of %d USD is on hold pending review:\n- %s", amountUsd, strings.Join(reasons, "\n- ")))
		return nil
	}

	s.auditAppend(ctx, audit.Record{
		DecisionID:  decisionID,
		RepoKey:     e.RepoKey,
		IssueNumber: issue.Number,
		PRNumber:    e.PRNumber,
		Stage:       "merge",
		Outcome:     "payout_created",
		Actor:       e.Author,
		Recipient:   pr.PayoutAddress,
	})
	s.busPublish(ctx, statebus.Event{
		Kind:        "payout.created",
		RepoKey:     e.RepoKey,
		IssueNumber: issue.Number,
		PRNumber:    e.PRNumber,
		Status:      payoutfsm.Pending,
		AmountUsd:   amountUsd,
	})
	s.publish("payout.created", payout)

	return s.executePayout(ctx, payout.RepoKey, payout.PRNumber)
}

// reviewPR runs the configured external reviewer. When review is
// mandatory a failure aborts the pipeline after posting a PR comment; the
// flags it returns only ever add hold reasons, never remove them.
func (s *Server) reviewPR(ctx context.Context, pr models.PullRequest, e webhook.PullRequestClosed) ([]models.RiskFlag, error) {
	if s.Reviewer == nil {
		return nil, nil
	}
	reviewCtx, cancel := context.WithTimeout(ctx, s.ReviewTimeout)
	defer cancel()
	start := time.Now()
	flags, err := s.Reviewer.Review(reviewCtx, review.Input{
		RepoKey:   pr.RepoKey,
		PRNumber:  pr.Number,
		Author:    pr.Author,
		Files:     pr.Diff.Files,
		Additions: int64(pr.Diff.Additions),
		Deletions: int64(pr.Diff.Deletions),
	})
	s.Metrics.ObserveReviewLatency(time.Since(start))
	if err == nil {
		return flags, nil
	}
	if !s.ReviewMandatory {
		s.Log.Warn().Err(err).Int64("pr", pr.Number).Msg("advisory review failed, continuing")
		return nil, nil
	}
	if commentErr := s.Forge.PostIssueComment(ctx, e.RepoKey, e.PRNumber,
		"Bounty payout deferred: the automated risk review did not complete. It will be retried."); commentErr != nil {
		return nil, fmt.Errorf("review failed (%v) and comment failed: %w", err, commentErr)
	}
	return nil, fmt.Errorf("mandatory review failed: %w", err)
}

// executePayout releases the escrow at most once per PR. A distributed
// lock serializes attempts; the escrow call only ever happens in the
// EXECUTING state, so a crash mid-release leaves a record that needs a
// manual retry rather than a double payment.
func (s *Server) executePayout(ctx context.Context, repoKey string, prNumber int64) error {
	payout, err := s.Records.GetPayout(ctx, repoKey, prNumber)
	if err != nil {
		return err
	}
	switch payout.Status {
	case payoutfsm.Done:
		return nil
	case payoutfsm.Hold:
		return errPayoutHeld
	case payoutfsm.Executing:
		return errLockContention
	}
	if payout.Recipient == "" || payout.AmountRaw == "" {
		return errIncomplete
	}
	if !mandate.ValidAddress(payout.Recipient) {
		return fmt.Errorf("%w: bad recipient address", errIncomplete)
	}
	if err := s.checkSignerPairing(); err != nil {
		return err
	}

	lockKey := fmt.Sprintf("payout-lock:%s:%d", repoKey, prNumber)
	owner := uuid.NewString()
	acquired, err := s.Lock.Acquire(ctx, lockKey, owner)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if !acquired {
		return errLockContention
	}
	defer func() {
		if err := s.Lock.Release(context.Background(), lockKey); err != nil {
			s.Log.Warn().Err(err).Str("key", lockKey).Msg("lock release failed")
		}
	}()

	issue, err := s.Records.GetIssue(ctx, repoKey, payout.IssueNumber)
	if err != nil {
		return err
	}
	pr, err := s.Records.GetPullRequest(ctx, repoKey, prNumber)
	if err != nil {
		return err
	}
	if pr.MergeSHA == "" {
		return fmt.Errorf("%w: no merge sha", errIncomplete)
	}

	if err := s.Records.SetPayoutStatus(ctx, repoKey, prNumber, payout.Status, payoutfsm.Executing); err != nil {
		if errors.Is(err, records.ErrStaleStatus) {
			return errLockContention
		}
		return err
	}
	s.Metrics.IncPayoutState(payoutfsm.Executing)

	signedIntent, signedCart, err := s.buildMandates(ctx, issue, pr, payout)
	if err != nil {
		return s.failPayout(ctx, payout, fmt.Errorf("mandates: %w", err))
	}
	if err := s.Records.SetPayoutMandates(ctx, repoKey, prNumber, signedIntent.Hash, signedCart.Hash); err != nil {
		return s.failPayout(ctx, payout, fmt.Errorf("record mandates: %w", err))
	}

	receipt, err := s.Escrow.Release(ctx, escrow.ReleaseRequest{
		EscrowAddress: issue.EscrowAddress,
		Recipient:     payout.Recipient,
		AmountRaw:     payout.AmountRaw,
		Intent:        signedIntent,
		Cart:          signedCart,
	})
	if err != nil {
		s.Metrics.IncEscrowCall("release", "error")
		return s.failPayout(ctx, payout, fmt.Errorf("release: %w", err))
	}
	s.Metrics.IncEscrowCall("release", "ok")

	if err := s.Records.CompletePayout(ctx, repoKey, prNumber, receipt.TxHash); err != nil {
		return err
	}
	s.Metrics.IncPayoutState(payoutfsm.Done)
	if _, err := s.Records.SetIssueStatus(ctx, repoKey, issue.Number, models.IssueFunded, models.IssuePaid); err != nil {
		s.Log.Error().Err(err).Int64("issue", issue.Number).Msg("issue PAID transition failed")
	}
	if err := s.Records.SetPullRequestStatus(ctx, repoKey, prNumber, models.PRPaid); err != nil {
		s.Log.Error().Err(err).Int64("pr", prNumber).Msg("pr PAID transition failed")
	}

	s.auditAppend(ctx, audit.Record{
		DecisionID:  uuid.NewString(),
		RepoKey:     repoKey,
		IssueNumber: issue.Number,
		PRNumber:    prNumber,
		Stage:       "execute",
		Outcome:     "released",
		Recipient:   payout.Recipient,
		IntentHash:  signedIntent.Hash,
		CartHash:    signedCart.Hash,
	})
	s.busPublish(ctx, statebus.Event{
		Kind:        "payout.done",
		RepoKey:     repoKey,
		IssueNumber: issue.Number,
		PRNumber:    prNumber,
		Status:      payoutfsm.Done,
		AmountUsd:   payout.AmountUsd,
	})
	s.publish("payout.done", map[string]any{
		"repo_key": repoKey, "pr_number": prNumber, "release_tx": receipt.TxHash,
	})
	_ = s.Forge.PostIssueComment(ctx, repoKey, prNumber,
		fmt.Sprintf("Bounty released: %d USD to `%s` (tx `%s`).", payout.AmountUsd, payout.Recipient, receipt.TxHash))
	return nil
}

// buildMandates signs a fresh Intent and Cart pair for one release
// attempt. Nonces come from persisted counters so retries never reuse a
// signed mandate.
func (s *Server) buildMandates(ctx context.Context, issue models.Issue, pr models.PullRequest, payout models.Payout) (mandate.SignedIntent, mandate.SignedCart, error) {
	intentNonce, err := s.Records.NextNonce(ctx, fmt.Sprintf("intent:%s:%d", issue.RepoKey, issue.Number))
	if err != nil {
		return mandate.SignedIntent{}, mandate.SignedCart{}, err
	}
	capUnits, ok := new(big.Int).SetString(usdToRaw(issue.CapUsd, s.AssetDecimals), 10)
	if !ok {
		return mandate.SignedIntent{}, mandate.SignedCart{}, errors.New("bad cap amount")
	}
	signedIntent, err := s.Mandates.BuildIntent(mandate.Intent{
		ChainID:     issue.ChainID,
		RepoKeyHash: mandate.RepoKeyHash(issue.RepoKey),
		IssueNumber: issue.Number,
		Asset:       issue.Asset,
		Cap:         capUnits,
		Expiry:      issue.ExpiresAt,
		PolicyHash:  issue.PolicyHash,
		Nonce:       intentNonce,
	})
	if err != nil {
		return mandate.SignedIntent{}, mandate.SignedCart{}, err
	}

	cartNonce, err := s.Records.NextNonce(ctx, fmt.Sprintf("cart:%s:%d", payout.RepoKey, payout.PRNumber))
	if err != nil {
		return mandate.SignedIntent{}, mandate.SignedCart{}, err
	}
	amount, ok := new(big.Int).SetString(payout.AmountRaw, 10)
	if !ok {
		return mandate.SignedIntent{}, mandate.SignedCart{}, errors.New("bad payout amount")
	}
	signedCart, err := s.Mandates.BuildCart(signedIntent, mandate.Cart{
		MergeSHA:   mandate.MergeSHAHash(pr.MergeSHA),
		PRNumber:   payout.PRNumber,
		Recipient:  payout.Recipient,
		Amount:     amount,
		Nonce:      cartNonce,
	})
	if err != nil {
		return mandate.SignedIntent{}, mandate.SignedCart{}, err
	}
	return signedIntent, signedCart, nil
}

func (s *Server) failPayout(ctx context.Context, payout models.Payout, cause error) error {
	if err := s.Records.SetPayoutStatus(ctx, payout.RepoKey, payout.PRNumber, payoutfsm.Executing, payoutfsm.Failed); err != nil {
		s.Log.Error().Err(err).Str("payout", payout.PayoutID).Msg("FAILED transition failed")
	}
	s.Metrics.IncPayoutState(payoutfsm.Failed)
	s.auditAppend(ctx, audit.Record{
		DecisionID:  uuid.NewString(),
		RepoKey:     payout.RepoKey,
		IssueNumber: payout.IssueNumber,
		PRNumber:    payout.PRNumber,
		Stage:       "execute",
		Outcome:     "release_failed",
		Reasons:     []string{cause.Error()},
	})
	s.busPublish(ctx, statebus.Event{
		Kind:        "payout.failed",
		RepoKey:     payout.RepoKey,
		IssueNumber: payout.IssueNumber,
		PRNumber:    payout.PRNumber,
		Status:      payoutfsm.Failed,
		AmountUsd:   payout.AmountUsd,
	})
	s.publish("payout.failed", map[string]any{
		"repo_key": payout.RepoKey, "pr_number": payout.PRNumber, "cause": cause.Error(),
	})
	_ = s.Forge.PostIssueComment(ctx, payout.RepoKey, payout.PRNumber,
		fmt.Sprintf("Bounty release of %d USD failed and will be retried: %s", payout.AmountUsd, cause.Error()))
	return cause
}
