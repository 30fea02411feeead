package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
	"github.com/sudhirig/ai-hedge-fund-full/internal/store"
)

// --- Request/Response types ---

// SubmitRequest is the JSON body for POST /api/v1/backtests. Policy fields
// that are omitted keep their default values.
type SubmitRequest struct {
	Instruments       []string          `json:"instruments"`
	StartDate         string            `json:"start_date"` // YYYY-MM-DD
	EndDate           string            `json:"end_date"`
	InitialCash       *decimal.Decimal  `json:"initial_cash,omitempty"`       // default 100000
	MarginRequirement *decimal.Decimal  `json:"margin_requirement,omitempty"` // default 0.5
	Analysts          []string          `json:"analysts"`
	Policy            aggregator.Policy `json:"policy"`
	SignalConcurrency int               `json:"signal_concurrency,omitempty"`
}

// Config builds a run configuration from the request.
func (req SubmitRequest) Config() (backtest.Config, error) {
	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("%w: start_date must be YYYY-MM-DD", backtest.ErrInvalidConfiguration)
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("%w: end_date must be YYYY-MM-DD", backtest.ErrInvalidConfiguration)
	}

	cash := backtest.DefaultInitialCash
	if req.InitialCash != nil {
		cash = *req.InitialCash
	}
	margin := backtest.DefaultMarginRequirement
	if req.MarginRequirement != nil {
		margin = *req.MarginRequirement
	}

	return backtest.Config{
		Instruments:       req.Instruments,
		Start:             start,
		End:               end,
		InitialCash:       cash,
		MarginRequirement: margin,
		Analysts:          req.Analysts,
		Policy:            req.Policy,
		SignalConcurrency: req.SignalConcurrency,
	}, nil
}

// CancelResponse is the JSON body returned from POST /backtests/{runID}/cancel.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// --- HTTP Handlers ---

// SubmitBacktest handles POST /api/v1/backtests
func (s *Service) SubmitBacktest(w http.ResponseWriter, r *http.Request) {
	req := SubmitRequest{Policy: aggregator.DefaultPolicy()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg, err := req.Config()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := s.Submit(r.Context(), cfg)
	switch {
	case errors.Is(err, backtest.ErrInvalidConfiguration):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrShuttingDown):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Error("submit backtest failed", "err", err)
		writeError(w, "failed to start backtest", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// ListBacktests handles GET /api/v1/backtests?limit=N
func (s *Service) ListBacktests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list backtests", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetBacktest handles GET /api/v1/backtests/{runID}
func (s *Service) GetBacktest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetSnapshots handles GET /api/v1/backtests/{runID}/snapshots
func (s *Service) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	snaps, err := s.store.GetSnapshots(r.Context(), run.ID)
	if err != nil {
		writeError(w, "failed to load snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetTrades handles GET /api/v1/backtests/{runID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	trades, err := s.store.GetTrades(r.Context(), run.ID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetDiagnostics handles GET /api/v1/backtests/{runID}/diagnostics
func (s *Service) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	diags, err := s.store.GetDiagnostics(r.Context(), run.ID)
	if err != nil {
		writeError(w, "failed to load diagnostics", http.StatusInternalServerError)
		return
	}
	if diags == nil {
		diags = []model.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, diags)
}

// GetAnalysis handles GET /api/v1/backtests/{runID}/analysis
func (s *Service) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	a, ok := s.Analysis(runID)
	if !ok {
		writeError(w, "analysis not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CancelBacktest handles POST /api/v1/backtests/{runID}/cancel
func (s *Service) CancelBacktest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	err := s.Cancel(r.Context(), runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "backtest not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrRunFinished):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, "failed to cancel backtest", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, CancelResponse{RunID: runID, Status: "cancelling"})
}

// ListAnalysts handles GET /api/v1/analysts
func (s *Service) ListAnalysts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"analysts": s.registry.IDs()})
}

// --- Helpers ---

func (s *Service) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "backtest not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load backtest", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
