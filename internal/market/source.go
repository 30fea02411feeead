// Package market provides daily price bars to the backtest driver: an
// in-memory series, CSV files, the Yahoo chart API, and a Redis cache that
// wraps any of them.
package market

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// ErrNotAvailable means there is no bar for that instrument on that date.
var ErrNotAvailable = errors.New("market: price not available")

// Source returns the daily bar for one instrument and date.
type Source interface {
	Bar(ctx context.Context, instrument string, date time.Time) (model.Bar, error)
}

// HistorySource can also return a contiguous range of bars, oldest first.
type HistorySource interface {
	Source
	History(ctx context.Context, instrument string, from, to time.Time) ([]model.Bar, error)
}

// Chain tries each source in order and returns the first bar found.
type Chain []Source

func (c Chain) Bar(ctx context.Context, instrument string, date time.Time) (model.Bar, error) {
	err := ErrNotAvailable
	for _, src := range c {
		bar, e := src.Bar(ctx, instrument, date)
		if e == nil {
			return bar, nil
		}
		err = e
	}
	return model.Bar{}, err
}

// History returns the first non-empty range from a source that supports it.
func (c Chain) History(ctx context.Context, instrument string, from, to time.Time) ([]model.Bar, error) {
	err := ErrNotAvailable
	for _, src := range c {
		hs, ok := src.(HistorySource)
		if !ok {
			continue
		}
		bars, e := hs.History(ctx, instrument, from, to)
		if e == nil && len(bars) > 0 {
			return bars, nil
		}
		if e != nil {
			err = e
		}
	}
	return nil, err
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sortBars orders bars by date and drops later duplicates of a date.
func sortBars(bars []model.Bar) []model.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.Date.Equal(out[len(out)-1].Date) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// findBar does a binary search on a date-sorted series.
func findBar(bars []model.Bar, date time.Time) (model.Bar, bool) {
	date = day(date)
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Date.Before(date) })
	if i < len(bars) && bars[i].Date.Equal(date) {
		return bars[i], true
	}
	return model.Bar{}, false
}

// sliceBars returns the bars with from <= date <= to.
func sliceBars(bars []model.Bar, from, to time.Time) []model.Bar {
	from, to = day(from), day(to)
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Date.Before(from) })
	hi := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(to) })
	if lo >= hi {
		return nil
	}
	return append([]model.Bar(nil), bars[lo:hi]...)
}
