package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// SeriesSource serves bars held in memory. Used for CSV data and tests.
type SeriesSource struct {
	mu   sync.RWMutex
	bars map[string][]model.Bar
}

// NewSeriesSource creates an empty in-memory source.
func NewSeriesSource() *SeriesSource {
	return &SeriesSource{bars: make(map[string][]model.Bar)}
}

// Add merges bars for an instrument. Dates are truncated to the day and an
// existing bar for the same date is kept.
func (s *SeriesSource) Add(instrument string, bars ...model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := append([]model.Bar(nil), s.bars[instrument]...)
	for _, b := range bars {
		b.Date = day(b.Date)
		merged = append(merged, b)
	}
	s.bars[instrument] = sortBars(merged)
}

// Instruments lists the instruments with at least one bar.
func (s *SeriesSource) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bars))
	for inst := range s.bars {
		out = append(out, inst)
	}
	return out
}

func (s *SeriesSource) Bar(_ context.Context, instrument string, date time.Time) (model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bar, ok := findBar(s.bars[instrument], date); ok {
		return bar, nil
	}
	return model.Bar{}, fmt.Errorf("%w: %s on %s", ErrNotAvailable, instrument, date.Format(time.DateOnly))
}

func (s *SeriesSource) History(_ context.Context, instrument string, from, to time.Time) ([]model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sliceBars(s.bars[instrument], from, to), nil
}
