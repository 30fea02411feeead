// Package api provides the HTTP handlers and run management for submitting
// backtests, following their progress and querying persisted results.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sudhirig/ai-hedge-fund-full/internal/analyst"
	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
	"github.com/sudhirig/ai-hedge-fund-full/internal/store"
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has started.
	ErrShuttingDown = errors.New("api: service shutting down")

	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("api: run already finished")
)

// maxAnalyses bounds how many finished runs keep their in-memory analysis.
const maxAnalyses = 64

// Analysis is the part of a result that is not persisted: the consensus
// decision log, the analyst scorecard and the closing portfolio.
type Analysis struct {
	RunID         string               `json:"run_id"`
	Decisions     []model.Consensus    `json:"decisions"`
	AnalystScores []model.AnalystScore `json:"analyst_scores"`
	Portfolio     model.Portfolio      `json:"portfolio"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSignalConcurrency sets the per-day signal fan-out for submitted runs
// that do not choose their own.
func WithSignalConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

// WithStoreTimeout bounds each persistence call made while a run replays.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// Service runs submitted backtests, each in its own goroutine with its own
// RunContext, and persists their output as it is produced.
type Service struct {
	store        store.Store
	prices       backtest.Prices
	registry     *analyst.Registry
	wsHub        *WSHub // optional
	logger       *slog.Logger
	concurrency  int
	storeTimeout time.Duration

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	active map[string]context.CancelFunc
	trades map[string][]model.Trade // buffered until the day's snapshot

	analyses map[string]*Analysis
	order    []string
}

// NewService creates a new run service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, prices backtest.Prices, registry *analyst.Registry, hub *WSHub, opts ...Option) *Service {
	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		store:        st,
		prices:       prices,
		registry:     registry,
		wsHub:        hub,
		logger:       slog.Default(),
		storeTimeout: 10 * time.Second,
		ctx:          ctx,
		stop:         stop,
		active:       make(map[string]context.CancelFunc),
		trades:       make(map[string][]model.Trade),
		analyses:     make(map[string]*Analysis),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates cfg, records a new run and starts it in the background.
// Configuration errors wrap backtest.ErrInvalidConfiguration.
func (s *Service) Submit(ctx context.Context, cfg backtest.Config) (*model.Run, error) {
	if err := s.registry.Check(cfg.Analysts); err != nil {
		return nil, fmt.Errorf("%w: %v", backtest.ErrInvalidConfiguration, err)
	}
	if cfg.SignalConcurrency <= 0 {
		cfg.SignalConcurrency = s.concurrency
	}

	rc, err := backtest.New(cfg, s.prices, s.registry,
		backtest.WithLogger(s.logger),
		backtest.WithObserver(s),
	)
	if err != nil {
		return nil, err
	}

	norm := rc.Config()
	run := &model.Run{
		ID:                rc.ID(),
		Status:            model.StatusNotStarted,
		Instruments:       norm.Instruments,
		Analysts:          norm.Analysts,
		StartDate:         norm.Start,
		EndDate:           norm.End,
		InitialCash:       norm.InitialCash,
		MarginRequirement: norm.MarginRequirement,
		FinalValue:        norm.InitialCash,
		CreatedAt:         time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.active[run.ID] = cancel
	s.wg.Add(1)
	go s.execute(runCtx, rc, *run)

	s.logger.Info("backtest submitted",
		"run_id", run.ID,
		"instruments", run.Instruments,
		"analysts", run.Analysts,
		"start", run.StartDate.Format(time.DateOnly),
		"end", run.EndDate.Format(time.DateOnly),
	)
	return run, nil
}

func (s *Service) execute(ctx context.Context, rc *backtest.RunContext, run model.Run) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.active[run.ID]; ok {
			cancel()
			delete(s.active, run.ID)
		}
		delete(s.trades, run.ID)
		s.mu.Unlock()
	}()

	run.Status = model.StatusRunning
	s.updateRun(&run)
	s.broadcastStatus(run)

	res, runErr := rc.Run(ctx)
	s.flushTrades(run.ID)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if res == nil {
		run.Status = model.StatusFailed
		s.updateRun(&run)
		s.broadcastStatus(run)
		return
	}

	if len(res.Diagnostics) > 0 {
		pctx, cancel := s.persistCtx()
		if err := s.store.InsertDiagnostics(pctx, run.ID, res.Diagnostics); err != nil {
			s.logger.Error("persist diagnostics failed", "run_id", run.ID, "err", err)
		}
		cancel()
	}

	run.Status = res.Status
	if n := len(res.Snapshots); n > 0 {
		run.FinalValue = res.Snapshots[n-1].TotalValue
	}
	m := res.Metrics
	run.Metrics = &m
	s.updateRun(&run)
	s.keepAnalysis(res)
	s.broadcastStatus(run)

	s.logger.Info("backtest finished",
		"run_id", run.ID,
		"status", run.Status,
		"final_value", run.FinalValue.String(),
		"diagnostics", len(res.Diagnostics),
	)
}

// OnTrade implements backtest.Observer. Trades are held until the
// snapshot that closes their day.
func (s *Service) OnTrade(runID string, t model.Trade) {
	s.mu.Lock()
	s.trades[runID] = append(s.trades[runID], t)
	s.mu.Unlock()

	if s.wsHub != nil && t.Action != model.ActionHold {
		s.wsHub.Broadcast(WSMessage{
			Type:       EventTrade,
			RunID:      runID,
			Date:       t.Date.Format(time.DateOnly),
			Instrument: t.Instrument,
			Action:     string(t.Action),
			Quantity:   t.Quantity,
			Price:      t.Price.String(),
		})
	}
}

// OnSnapshot implements backtest.Observer.
func (s *Service) OnSnapshot(runID string, snap model.Snapshot) {
	s.flushTrades(runID)

	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.store.InsertSnapshots(ctx, runID, []model.Snapshot{snap}); err != nil {
		s.logger.Error("persist snapshot failed", "run_id", runID, "date", snap.Date.Format(time.DateOnly), "err", err)
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       EventSnapshot,
			RunID:      runID,
			Date:       snap.Date.Format(time.DateOnly),
			TotalValue: snap.TotalValue.StringFixed(2),
			Cash:       snap.Cash.StringFixed(2),
		})
	}
}

func (s *Service) flushTrades(runID string) {
	s.mu.Lock()
	pending := s.trades[runID]
	s.trades[runID] = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.store.InsertTrades(ctx, runID, pending); err != nil {
		s.logger.Error("persist trades failed", "run_id", runID, "trades", len(pending), "err", err)
	}
}

func (s *Service) updateRun(run *model.Run) {
	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Error("update run failed", "run_id", run.ID, "status", run.Status, "err", err)
	}
}

func (s *Service) broadcastStatus(run model.Run) {
	if s.wsHub == nil {
		return
	}
	msg := WSMessage{Type: EventStatus, RunID: run.ID, Status: string(run.Status), Error: run.Error}
	if run.Status.Terminal() {
		msg.TotalValue = run.FinalValue.StringFixed(2)
	}
	s.wsHub.Broadcast(msg)
}

// persistCtx is detached from the run so that output produced before a
// cancellation is still stored.
func (s *Service) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.storeTimeout)
}

func (s *Service) keepAnalysis(res *backtest.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses[res.RunID] = &Analysis{
		RunID:         res.RunID,
		Decisions:     res.Decisions,
		AnalystScores: res.AnalystScores,
		Portfolio:     res.Portfolio,
	}
	s.order = append(s.order, res.RunID)
	if len(s.order) > maxAnalyses {
		delete(s.analyses, s.order[0])
		s.order = s.order[1:]
	}
}

// Analysis returns the in-memory analysis of a finished run, if retained.
func (s *Service) Analysis(runID string) (*Analysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[runID]
	return a, ok
}

// Cancel asks a running backtest to stop before its next day.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("backtest cancel requested", "run_id", runID)
		return nil
	}

	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunFinished
}

// Wait blocks until every submitted run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting runs, cancels those in flight and waits for them
// to persist their partial output.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
