package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// Submitter starts a backtest run.
type Submitter interface {
	Submit(ctx context.Context, cfg backtest.Config) (*model.Run, error)
}

// TrailingBacktestJob submits a backtest over the last LookbackDays
// calendar days, ending yesterday.
type TrailingBacktestJob struct {
	Submitter         Submitter
	Instruments       []string
	Analysts          []string
	LookbackDays      int
	InitialCash       decimal.Decimal
	MarginRequirement decimal.Decimal
	Policy            aggregator.Policy
	Timeout           time.Duration

	now func() time.Time
}

func (j *TrailingBacktestJob) Name() string { return "trailing_backtest" }

// Run submits one run; it does not wait for the replay to finish.
func (j *TrailingBacktestJob) Run() error {
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := j.Submitter.Submit(ctx, j.Config(now())); err != nil {
		return fmt.Errorf("submit trailing backtest: %w", err)
	}
	return nil
}

// Config builds the run configuration as of now.
func (j *TrailingBacktestJob) Config(now time.Time) backtest.Config {
	end := backtest.Day(now).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -j.LookbackDays)
	return backtest.Config{
		Instruments:       j.Instruments,
		Start:             start,
		End:               end,
		InitialCash:       j.InitialCash,
		MarginRequirement: j.MarginRequirement,
		Analysts:          j.Analysts,
		Policy:            j.Policy,
	}
}
