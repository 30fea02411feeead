// Package backtest replays a historical date range day by day: it fetches
// prices and analyst signals from external collaborators, sizes decisions
// through the aggregator, applies them through the executor and records one
// portfolio snapshot per trading day.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/execution"
	"github.com/sudhirig/ai-hedge-fund-full/internal/ledger"
	"github.com/sudhirig/ai-hedge-fund-full/internal/metrics"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
	"github.com/sudhirig/ai-hedge-fund-full/internal/performance"
)

var (
	// ErrRunAborted is returned when the context is cancelled between days.
	// The accompanying Result holds everything up to the last completed day.
	ErrRunAborted = errors.New("backtest: run aborted")

	// ErrNoPriceData is returned when no trading day produced any price.
	ErrNoPriceData = errors.New("backtest: no price data for any trading day")

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("backtest: run already started")
)

// Prices is the price collaborator. Any error means "no price" for that
// instrument on that date.
type Prices interface {
	Bar(ctx context.Context, instrument string, date time.Time) (model.Bar, error)
}

// Signals is the signal collaborator. Any error means "no opinion".
type Signals interface {
	Signal(ctx context.Context, analystID, instrument string, date time.Time) (model.Signal, error)
}

// Observer receives progress while a run replays. Calls happen on the
// driver goroutine and must not block for long.
type Observer interface {
	OnTrade(runID string, t model.Trade)
	OnSnapshot(runID string, s model.Snapshot)
}

// Result is everything a run produced.
type Result struct {
	RunID         string               `json:"run_id"`
	Status        model.RunStatus      `json:"status"`
	Snapshots     []model.Snapshot     `json:"snapshots"`
	Trades        []model.Trade        `json:"trades"`
	Metrics       model.Metrics        `json:"metrics"`
	Diagnostics   []model.Diagnostic   `json:"diagnostics"`
	Decisions     []model.Consensus    `json:"decisions"`
	AnalystScores []model.AnalystScore `json:"analyst_scores"`
	Portfolio     model.Portfolio      `json:"portfolio"`
}

// Option configures a RunContext.
type Option func(*RunContext)

// WithLogger sets the logger used for run lifecycle and skips.
func WithLogger(l *slog.Logger) Option {
	return func(r *RunContext) { r.logger = l }
}

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(r *RunContext) { r.observer = o }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *RunContext) { r.id = id }
}

// RunContext owns one run: its configuration, its ledger and its
// collaborators. Nothing is shared between runs.
type RunContext struct {
	id       string
	cfg      Config
	prices   Prices
	signals  Signals
	ledger   *ledger.Ledger
	executor *execution.Executor
	sizer    *aggregator.Sizer
	logger   *slog.Logger
	observer Observer

	mu          sync.Mutex
	status      model.RunStatus
	snapshots   []model.Snapshot
	diagnostics []model.Diagnostic
	decisions   []model.Consensus
	predictions []model.Prediction
	closes      map[string][]model.Bar
	lastClose   map[string]decimal.Decimal
}

// New validates cfg and builds a run in the NotStarted state.
func New(cfg Config, prices Prices, signals Signals, opts ...Option) (*RunContext, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if prices == nil || signals == nil {
		return nil, fmt.Errorf("%w: price and signal collaborators are required", ErrInvalidConfiguration)
	}

	l, err := ledger.New(cfg.Instruments, cfg.InitialCash, cfg.MarginRequirement)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	sizer, err := aggregator.NewSizer(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	r := &RunContext{
		id:        uuid.New().String(),
		cfg:       cfg,
		prices:    prices,
		signals:   signals,
		ledger:    l,
		sizer:     sizer,
		logger:    slog.Default(),
		status:    model.StatusNotStarted,
		closes:    make(map[string][]model.Bar, len(cfg.Instruments)),
		lastClose: make(map[string]decimal.Decimal, len(cfg.Instruments)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("run_id", r.id)
	r.executor = execution.New(l, r, r.logger)
	return r, nil
}

// ID returns the run id.
func (r *RunContext) ID() string { return r.id }

// Config returns the normalized configuration.
func (r *RunContext) Config() Config { return r.cfg }

// Status returns the current lifecycle state.
func (r *RunContext) Status() model.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Record implements execution.Recorder.
func (r *RunContext) Record(d model.Diagnostic) {
	r.mu.Lock()
	r.diagnostics = append(r.diagnostics, d)
	r.mu.Unlock()
}

// Run replays the configured range. Cancellation of ctx is honoured only
// between days; a day that has started always completes.
func (r *RunContext) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.status != model.StatusNotStarted {
		r.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	r.status = model.StatusRunning
	r.mu.Unlock()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	days := BusinessDays(r.cfg.Start, r.cfg.End)
	baseline := days[0]
	r.logger.Info("backtest started",
		"instruments", r.cfg.Instruments,
		"analysts", r.cfg.Analysts,
		"start", baseline.Format(time.DateOnly),
		"end", r.cfg.End.Format(time.DateOnly),
		"initial_cash", r.cfg.InitialCash.String(),
	)

	r.appendSnapshot(model.Snapshot{
		Date:       baseline,
		TotalValue: r.cfg.InitialCash,
		Cash:       r.cfg.InitialCash,
		LongValue:  decimal.Zero,
		ShortValue: decimal.Zero,
	})

	tradingDays := days[1:]
	priced := 0
	for _, day := range tradingDays {
		if err := ctx.Err(); err != nil {
			r.finish(model.StatusAborted)
			r.logger.Warn("backtest aborted", "before", day.Format(time.DateOnly), "err", err)
			return r.result(), fmt.Errorf("%w: %v", ErrRunAborted, err)
		}

		ok, err := r.step(context.WithoutCancel(ctx), day)
		if err != nil {
			r.finish(model.StatusFailed)
			r.logger.Error("backtest failed", "date", day.Format(time.DateOnly), "err", err)
			return r.result(), err
		}
		if ok {
			priced++
		}
	}

	if len(tradingDays) > 0 && priced == 0 {
		r.finish(model.StatusFailed)
		r.logger.Error("backtest failed", "err", ErrNoPriceData)
		return r.result(), ErrNoPriceData
	}

	r.finish(model.StatusCompleted)
	res := r.result()
	r.logger.Info("backtest completed",
		"trading_days", res.Metrics.TradingDays,
		"trades", len(res.Trades),
		"total_return", res.Metrics.TotalReturn,
		"sharpe", res.Metrics.SharpeRatio,
		"max_drawdown", res.Metrics.MaxDrawdown,
	)
	return res, nil
}

// step replays one business day. It returns false when the day had no price
// for any instrument and was skipped as a holiday.
func (r *RunContext) step(ctx context.Context, day time.Time) (bool, error) {
	started := time.Now()
	defer func() { metrics.DayDuration.Observe(time.Since(started).Seconds()) }()

	todays := r.fetchPrices(ctx, day)
	if len(todays) == 0 {
		r.logger.Info("no prices for any instrument, skipping day", "date", day.Format(time.DateOnly))
		return false, nil
	}

	// Held instruments without a price today keep their last close.
	for inst, px := range todays {
		r.lastClose[inst] = px
	}
	marks := make(map[string]decimal.Decimal, len(r.lastClose))
	for inst, px := range r.lastClose {
		marks[inst] = px
	}

	totalValue, err := r.ledger.MarkToMarket(marks)
	if err != nil {
		return true, fmt.Errorf("mark before trading on %s: %w", day.Format(time.DateOnly), err)
	}

	signals := r.fetchSignals(ctx, day, todays)

	for _, inst := range r.cfg.Instruments {
		price, ok := todays[inst]
		if !ok {
			continue
		}
		view := r.ledger.View()

		if in, hit := r.sizer.StopLoss(view, inst, price); hit {
			r.logger.Info("stop loss triggered",
				"date", day.Format(time.DateOnly),
				"instrument", inst,
				"action", in.Action,
				"qty", in.Quantity,
				"price", price.String(),
			)
			r.execute(day, in)
			continue
		}

		sigs := signals[inst]
		if len(sigs) == 0 {
			r.skip(day, inst, "", model.ReasonNoSignalAvailable, "no analyst reported")
			continue
		}

		dec, err := r.sizer.Decide(aggregator.Input{
			Date:       day,
			Instrument: inst,
			Signals:    sigs,
			Price:      price,
			Portfolio:  view,
			TotalValue: totalValue,
			Marks:      marks,
		})
		if err != nil {
			r.skip(day, inst, "", model.ReasonNoSignalAvailable, err.Error())
			continue
		}
		r.mu.Lock()
		r.decisions = append(r.decisions, dec.Consensus)
		r.mu.Unlock()

		for _, in := range dec.Instructions {
			r.execute(day, in)
		}
	}

	v, err := r.ledger.Value(marks)
	if err != nil {
		return true, fmt.Errorf("mark after trading on %s: %w", day.Format(time.DateOnly), err)
	}
	r.appendSnapshot(model.Snapshot{
		Date:       day,
		TotalValue: v.Total,
		Cash:       v.Cash,
		LongValue:  v.LongValue,
		ShortValue: v.ShortValue,
	})
	return true, nil
}

func (r *RunContext) fetchPrices(ctx context.Context, day time.Time) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.cfg.Instruments))
	var missing []string
	for _, inst := range r.cfg.Instruments {
		bar, err := r.prices.Bar(ctx, inst, day)
		if err != nil || !bar.Close.IsPositive() {
			missing = append(missing, inst)
			if err == nil {
				err = fmt.Errorf("non-positive close %s", bar.Close)
			}
			r.logger.Debug("price unavailable", "date", day.Format(time.DateOnly), "instrument", inst, "err", err)
			continue
		}
		out[inst] = bar.Close
		r.closes[inst] = append(r.closes[inst], model.Bar{Date: day, Close: bar.Close})
	}
	// A day with no prices at all is a market holiday, not a per-instrument failure.
	if len(out) > 0 {
		for _, inst := range missing {
			r.skip(day, inst, "", model.ReasonNoPriceAvailable, "price collaborator returned no close")
		}
	}
	return out
}

// fetchSignals queries every (instrument, analyst) pair concurrently and
// joins before returning. Results land in pre-indexed slots so the outcome
// does not depend on completion order.
func (r *RunContext) fetchSignals(ctx context.Context, day time.Time, todays map[string]decimal.Decimal) map[string]map[string]model.Signal {
	type slot struct {
		inst, analyst string
		sig           model.Signal
		err           error
	}
	var slots []*slot
	for _, inst := range r.cfg.Instruments {
		if _, ok := todays[inst]; !ok {
			continue
		}
		for _, a := range r.cfg.Analysts {
			slots = append(slots, &slot{inst: inst, analyst: a})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SignalConcurrency)
	for _, s := range slots {
		g.Go(func() error {
			started := time.Now()
			s.sig, s.err = r.signals.Signal(gctx, s.analyst, s.inst, day)
			metrics.SignalLatency.WithLabelValues(s.analyst).Observe(time.Since(started).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]map[string]model.Signal, len(todays))
	for _, s := range slots {
		if s.err != nil {
			r.skip(day, s.inst, s.analyst, model.ReasonNoSignalAvailable, s.err.Error())
			continue
		}
		if !s.sig.Direction.Valid() || s.sig.Confidence < 0 || s.sig.Confidence > 1 {
			r.skip(day, s.inst, s.analyst, model.ReasonInvalidSignal,
				fmt.Sprintf("direction %q confidence %v", s.sig.Direction, s.sig.Confidence))
			continue
		}
		if out[s.inst] == nil {
			out[s.inst] = make(map[string]model.Signal, len(r.cfg.Analysts))
		}
		out[s.inst][s.analyst] = s.sig
		r.predictions = append(r.predictions, model.Prediction{
			Date:       day,
			Instrument: s.inst,
			Analyst:    s.analyst,
			Direction:  s.sig.Direction,
			Confidence: s.sig.Confidence,
		})
	}
	return out
}

func (r *RunContext) execute(day time.Time, in model.Instruction) {
	t := r.executor.Execute(day, in)
	if r.observer != nil {
		r.observer.OnTrade(r.id, t)
	}
}

func (r *RunContext) skip(day time.Time, inst, analyst, reason, detail string) {
	metrics.SkipsTotal.WithLabelValues(reason).Inc()
	r.logger.Warn("skipped",
		"date", day.Format(time.DateOnly),
		"instrument", inst,
		"analyst", analyst,
		"reason", reason,
		"detail", detail,
	)
	r.Record(model.Diagnostic{
		Date:       day,
		Instrument: inst,
		Analyst:    analyst,
		Reason:     reason,
		Detail:     detail,
	})
}

func (r *RunContext) appendSnapshot(s model.Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.OnSnapshot(r.id, s)
	}
}

func (r *RunContext) finish(status model.RunStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
}

func (r *RunContext) result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	trades := r.ledger.Trades()
	snaps := append([]model.Snapshot(nil), r.snapshots...)
	return &Result{
		RunID:         r.id,
		Status:        r.status,
		Snapshots:     snaps,
		Trades:        trades,
		Metrics:       performance.Analyze(snaps, trades),
		Diagnostics:   append([]model.Diagnostic(nil), r.diagnostics...),
		Decisions:     append([]model.Consensus(nil), r.decisions...),
		AnalystScores: performance.ScoreAnalysts(r.predictions, r.closes),
		Portfolio:     r.ledger.View(),
	}
}
