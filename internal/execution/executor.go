// Package execution sequences sized instructions into the ledger and
// isolates per-instrument failures: an infeasible trade becomes a HOLD
// with a diagnostic instead of aborting the day.
package execution

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sudhirig/ai-hedge-fund-full/internal/ledger"
	"github.com/sudhirig/ai-hedge-fund-full/internal/metrics"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// Recorder receives diagnostics for downgraded instructions.
type Recorder interface {
	Record(model.Diagnostic)
}

// Executor applies instructions to one ledger.
type Executor struct {
	ledger   *ledger.Ledger
	recorder Recorder
	logger   *slog.Logger
}

// New creates an executor. A nil logger falls back to slog.Default().
func New(l *ledger.Ledger, rec Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ledger: l, recorder: rec, logger: logger}
}

// Execute applies in and returns the resulting Trade. Ledger rejections are
// downgraded to a HOLD for the same instrument and price.
func (e *Executor) Execute(date time.Time, in model.Instruction) model.Trade {
	t, err := e.ledger.Apply(date, in)
	if err == nil {
		metrics.TradesTotal.WithLabelValues(string(t.Action)).Inc()
		e.logger.Debug("trade applied",
			"date", date.Format(time.DateOnly),
			"instrument", t.Instrument,
			"action", t.Action,
			"qty", t.Quantity,
			"price", t.Price.String(),
			"cash_flow", t.CashFlow.String(),
		)
		return t
	}

	reason := downgradeReason(err)
	metrics.DowngradesTotal.WithLabelValues(reason).Inc()
	e.logger.Warn("instruction downgraded to HOLD",
		"date", date.Format(time.DateOnly),
		"instrument", in.Instrument,
		"action", in.Action,
		"qty", in.Quantity,
		"price", in.Price.String(),
		"reason", reason,
		"err", err,
	)
	if e.recorder != nil {
		e.recorder.Record(model.Diagnostic{
			Date:       date,
			Instrument: in.Instrument,
			Reason:     reason,
			Detail:     err.Error(),
		})
	}

	hold := model.Instruction{
		Instrument: in.Instrument,
		Action:     model.ActionHold,
		Price:      in.Price,
		Reason:     "downgraded: " + reason,
	}
	t, err = e.ledger.Apply(date, hold)
	if err != nil {
		// Only an unknown instrument can fail a HOLD; there is nothing to log against.
		e.logger.Error("hold rejected", "instrument", in.Instrument, "err", err)
		return model.Trade{Date: date, Instrument: in.Instrument, Action: model.ActionHold, Price: in.Price, Reason: hold.Reason}
	}
	metrics.TradesTotal.WithLabelValues(string(t.Action)).Inc()
	return t
}

func downgradeReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return model.ReasonInsufficientFunds
	case errors.Is(err, ledger.ErrInsufficientMargin):
		return model.ReasonInsufficientMargin
	default:
		return model.ReasonInvalidInstruction
	}
}
