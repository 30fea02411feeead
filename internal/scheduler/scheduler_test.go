package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	cfgs []backtest.Config
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, cfg backtest.Config) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs = append(f.cfgs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Run{ID: "run-1"}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cfgs)
}

func newJob(sub Submitter) *TrailingBacktestJob {
	return &TrailingBacktestJob{
		Submitter:         sub,
		Instruments:       []string{"AAPL", "MSFT"},
		Analysts:          []string{"technical"},
		LookbackDays:      30,
		InitialCash:       decimal.NewFromInt(50000),
		MarginRequirement: backtest.DefaultMarginRequirement,
		Policy:            aggregator.DefaultPolicy(),
		now:               func() time.Time { return time.Date(2024, 6, 15, 17, 30, 0, 0, time.UTC) },
	}
}

func TestTrailingBacktestJob_Window(t *testing.T) {
	sub := &fakeSubmitter{}
	job := newJob(sub)

	require.NoError(t, job.Run())
	require.Equal(t, 1, sub.count())

	cfg := sub.cfgs[0]
	assert.Equal(t, "2024-06-14", cfg.End.Format(time.DateOnly))
	assert.Equal(t, "2024-05-15", cfg.Start.Format(time.DateOnly))
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Instruments)
	assert.True(t, cfg.InitialCash.Equal(decimal.NewFromInt(50000)))
	_, err := cfg.Normalize()
	assert.NoError(t, err, "scheduled configuration should be valid")
}

func TestTrailingBacktestJob_SubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: backtest.ErrInvalidConfiguration}
	err := newJob(sub).Run()
	assert.True(t, errors.Is(err, backtest.ErrInvalidConfiguration))
}

func TestScheduler_AddJobRejectsBadSpec(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.AddJob("not a cron spec", newJob(&fakeSubmitter{})))
	assert.NoError(t, s.AddJob("0 30 17 * * MON-FRI", newJob(&fakeSubmitter{})))
}

func TestScheduler_RunsJobs(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(nil)
	require.NoError(t, s.AddJob("@every 1s", newJob(sub)))

	s.Start()
	assert.Eventually(t, func() bool { return sub.count() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	sub := &fakeSubmitter{}
	require.NoError(t, New(nil).RunNow(newJob(sub)))
	assert.Equal(t, 1, sub.count())
}
