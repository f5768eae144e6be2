package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"osm402/pkg/httpx"
	"osm402/pkg/records"
)

type executeRequest struct {
	RepoKey  string `json:"repo_key"`
	PRNumber int64  `json:"pr_number"`
}

// handlePayoutExecute retries a PENDING or FAILED payout. DONE is
// idempotent, HOLD and in-flight execution are conflicts.
func (s *Server) handlePayoutExecute(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		httpx.Error(w, 400, "bad request body")
		return
	}
	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.RepoKey == "" || req.PRNumber <= 0 {
		httpx.Error(w, 400, "repo_key and pr_number required")
		return
	}

	err = s.executePayout(r.Context(), req.RepoKey, req.PRNumber)
	switch {
	case err == nil:
	case errors.Is(err, records.ErrNotFound):
		httpx.Error(w, 404, "no payout for this pull request")
		return
	case errors.Is(err, errPayoutHeld):
		httpx.Error(w, 409, "payout is on hold")
		return
	case errors.Is(err, errLockContention):
		httpx.Error(w, 409, "payout execution already in progress")
		return
	case errors.Is(err, errIncomplete):
		httpx.Error(w, 400, "payout record incomplete: "+err.Error())
		return
	default:
		s.Log.Error().Err(err).Str("repo", req.RepoKey).Int64("pr", req.PRNumber).Msg("payout execution failed")
		httpx.Error(w, http.StatusBadGateway, "payout execution failed")
		return
	}

	payout, err := s.Records.GetPayout(r.Context(), req.RepoKey, req.PRNumber)
	if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, payout)
}

func (s *Server) getPayout(w http.ResponseWriter, r *http.Request) {
	repoKey := chi.URLParam(r, "repo_owner") + "/" + chi.URLParam(r, "repo_name")
	prNumber, err := strconv.ParseInt(chi.URLParam(r, "pr_number"), 10, 64)
	if err != nil || prNumber <= 0 {
		httpx.Error(w, 400, "bad pr number")
		return
	}
	payout, err := s.Records.GetPayout(r.Context(), repoKey, prNumber)
	if errors.Is(err, records.ErrNotFound) {
		httpx.Error(w, 404, "payout not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, payout)
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	repoKey := r.URL.Query().Get("repo")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	issues, err := s.Records.ListIssues(r.Context(), repoKey, limit)
	if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"issues": issues, "count": len(issues)})
}
