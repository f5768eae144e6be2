package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"osm402/pkg/audit"
)

// expireIssuesLoop sweeps PENDING bounties past their expiry.
func (s *Server) expireIssuesLoop(ctx context.Context) {
	interval := s.IssueSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			expired, err := s.Records.ExpirePendingIssues(sweepCtx, time.Now())
			cancel()
			if err != nil {
				s.Log.Error().Err(err).Msg("issue expiry sweep failed")
				continue
			}
			if expired > 0 {
				s.Log.Info().Int64("expired", expired).Msg("expired unfunded bounties")
				s.Metrics.SetGauge("issues_expired_last_sweep", float64(expired))
				s.auditAppend(ctx, audit.Record{
					DecisionID: uuid.NewString(),
					Stage:      "expire",
					Outcome:    "issues_expired",
				})
			}
		}
	}
}

// metricsLoop refreshes operational gauges from the record store.
func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var pendingIssues int64
	if err := s.DB.QueryRow(queryCtx, `SELECT COUNT(*) FROM issues WHERE status = 'PENDING'`).Scan(&pendingIssues); err == nil {
		s.Metrics.SetGauge("issues_pending", float64(pendingIssues))
	}
	var fundedIssues int64
	if err := s.DB.QueryRow(queryCtx, `SELECT COUNT(*) FROM issues WHERE status = 'FUNDED'`).Scan(&fundedIssues); err == nil {
		s.Metrics.SetGauge("issues_funded", float64(fundedIssues))
	}
	var heldPayouts int64
	if err := s.DB.QueryRow(queryCtx, `SELECT COUNT(*) FROM payouts WHERE status = 'HOLD'`).Scan(&heldPayouts); err == nil {
		s.Metrics.SetGauge("payouts_hold", float64(heldPayouts))
	}
	var failedPayouts int64
	if err := s.DB.QueryRow(queryCtx, `SELECT COUNT(*) FROM payouts WHERE status = 'FAILED'`).Scan(&failedPayouts); err == nil {
		s.Metrics.SetGauge("payouts_failed", float64(failedPayouts))
	}
	var oldestExecutingSec float64
	if err := s.DB.QueryRow(queryCtx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM now() - MIN(updated_at)), 0)
		FROM payouts WHERE status = 'EXECUTING'
	`).Scan(&oldestExecutingSec); err == nil {
		s.Metrics.SetGauge("payouts_oldest_executing_sec", oldestExecutingSec)
	}
}
