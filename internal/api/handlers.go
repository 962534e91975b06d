package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sashakarcz/vrconf/internal/history"
	"github.com/sashakarcz/vrconf/internal/reconciler"
	"github.com/sashakarcz/vrconf/internal/runlog"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string      `json:"status"`
	RunLog      string      `json:"runlog"`
	Time        string      `json:"time"`
	LastRun     *RunSummary `json:"last_run,omitempty"`
	LastSuccess *runlog.Run `json:"last_success,omitempty"`
}

// RunSummary is the JSON view of a reconciler result
type RunSummary struct {
	RunID          string   `json:"run_id"`
	Trigger        string   `json:"trigger"`
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	Changed        []string `json:"changed,omitempty"`
	ServiceActions []string `json:"service_actions,omitempty"`
	Redundant      bool     `json:"redundant"`
	Master         bool     `json:"master"`
	Entries        int      `json:"entries"`
	Unmatched      []string `json:"unmatched,omitempty"`
	Snapshot       string   `json:"snapshot,omitempty"`
	DurationMs     int64    `json:"duration_ms"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func summarize(res *reconciler.Result) *RunSummary {
	if res == nil {
		return nil
	}
	sum := &RunSummary{
		RunID:          res.RunID,
		Trigger:        string(res.Trigger),
		Success:        res.Success,
		Error:          res.ErrorMessage,
		Changed:        res.Changed,
		ServiceActions: res.ServiceActions,
		Redundant:      res.Redundant,
		Master:         res.Master,
		Entries:        res.Entries,
		Unmatched:      res.Unmatched,
		DurationMs:     res.Duration.Milliseconds(),
	}
	if res.Snapshot != nil {
		sum.Snapshot = res.Snapshot.Hash
	}
	return sum
}

// handleHealth reports degraded when the run log is unreachable or the last
// run failed
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "healthy",
		RunLog:  "disabled",
		Time:    time.Now().UTC().Format(time.RFC3339),
		LastRun: summarize(s.runner.Last()),
	}

	// Check run log
	if s.store != nil {
		if err := s.store.Health(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("Run log health check failed")
			health.RunLog = "unhealthy"
			health.Status = "degraded"
		} else {
			health.RunLog = "healthy"
			health.LastSuccess = s.lastSuccess(r)
		}
	}

	if health.LastRun != nil && !health.LastRun.Success {
		health.Status = "degraded"
	}

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// lastSuccess looks up the newest successful run. It survives restarts,
// unlike the runner's last result.
func (s *Server) lastSuccess(r *http.Request) *runlog.Run {
	run, err := s.store.LastSuccessful(r.Context())
	if err != nil {
		if !errors.Is(err, runlog.ErrNotFound) {
			s.log.Warn().Err(err).Msg("Failed to look up last successful run")
		}
		return nil
	}
	return run
}

// handleListRuns returns the newest run log entries
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run log disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*runlog.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one run log entry
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run log disabled")
		return
	}

	run, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to get run")
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleLastRun returns the result of the most recent run in this process
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	last := s.runner.Last()
	if last == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, summarize(last))
}

// handleTriggerRun performs a manual reconciliation and answers with its result
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Str("remote", r.RemoteAddr).Msg("Manual reconciliation triggered via API")

	res, err := s.runner.Run(r.Context(), runlog.TriggerManual)
	s.writeResult(w, res, err)
}

// handleRedundancy forces redundancy on or off
func (s *Server) handleRedundancy(w http.ResponseWriter, r *http.Request) {
	var enabled bool
	switch chi.URLParam(r, "state") {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		writeError(w, http.StatusBadRequest, "state must be on or off")
		return
	}

	s.log.Info().Bool("enabled", enabled).Msg("Redundancy change requested via API")

	res, err := s.runner.SetRedundancy(r.Context(), enabled)
	s.writeResult(w, res, err)
}

// handleHistory returns recorded snapshots, newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	snaps, err := s.journal.Log(limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read history")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if snaps == nil {
		snaps = []*history.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) writeResult(w http.ResponseWriter, res *reconciler.Result, err error) {
	switch {
	case errors.Is(err, reconciler.ErrLocked):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && res == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, summarize(res))
	default:
		writeJSON(w, http.StatusOK, summarize(res))
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
