package analyst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/sudhirig/ai-hedge-fund-full/internal/market"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// TechnicalAnalyst reads RSI for overbought/oversold conditions and a fast
// versus slow SMA for trend. Only bars up to and including the date are used.
type TechnicalAnalyst struct {
	id           string
	prices       market.HistorySource
	rsiPeriod    int
	fastPeriod   int
	slowPeriod   int
	lookbackDays int
}

// NewTechnicalAnalyst uses RSI(14) and SMA(20) against SMA(50).
func NewTechnicalAnalyst(id string, prices market.HistorySource) *TechnicalAnalyst {
	return &TechnicalAnalyst{
		id:           id,
		prices:       prices,
		rsiPeriod:    14,
		fastPeriod:   20,
		slowPeriod:   50,
		lookbackDays: 120,
	}
}

func (a *TechnicalAnalyst) ID() string { return a.id }

func (a *TechnicalAnalyst) Analyze(ctx context.Context, instrument string, date time.Time) (model.Signal, error) {
	bars, err := a.prices.History(ctx, instrument, date.AddDate(0, 0, -a.lookbackDays), date)
	if err != nil {
		return model.Signal{}, fmt.Errorf("%w: history: %v", ErrUnavailable, err)
	}
	if len(bars) < a.slowPeriod+1 {
		return model.Signal{}, fmt.Errorf("%w: %d bars, need %d", ErrUnavailable, len(bars), a.slowPeriod+1)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}
	rsi := last(talib.Rsi(closes, a.rsiPeriod))
	fast := last(talib.Sma(closes, a.fastPeriod))
	slow := last(talib.Sma(closes, a.slowPeriod))
	if math.IsNaN(rsi) || math.IsNaN(fast) || math.IsNaN(slow) || slow == 0 {
		return model.Signal{}, fmt.Errorf("%w: indicators undefined", ErrUnavailable)
	}
	return technicalSignal(rsi, (fast-slow)/slow), nil
}

// technicalSignal lets momentum extremes override the trend.
func technicalSignal(rsi, spread float64) model.Signal {
	switch {
	case rsi >= 70:
		return model.Signal{
			Direction:  model.Bearish,
			Confidence: math.Min(1, 0.5+(rsi-70)/60),
			Reasoning:  fmt.Sprintf("RSI %.1f overbought", rsi),
		}
	case rsi <= 30:
		return model.Signal{
			Direction:  model.Bullish,
			Confidence: math.Min(1, 0.5+(30-rsi)/60),
			Reasoning:  fmt.Sprintf("RSI %.1f oversold", rsi),
		}
	case spread > 0.01:
		return model.Signal{
			Direction:  model.Bullish,
			Confidence: math.Min(0.9, 0.5+spread*5),
			Reasoning:  fmt.Sprintf("SMA spread %+.2f%% uptrend, RSI %.1f", spread*100, rsi),
		}
	case spread < -0.01:
		return model.Signal{
			Direction:  model.Bearish,
			Confidence: math.Min(0.9, 0.5-spread*5),
			Reasoning:  fmt.Sprintf("SMA spread %+.2f%% downtrend, RSI %.1f", spread*100, rsi),
		}
	}
	return model.Signal{
		Direction:  model.Neutral,
		Confidence: 0.5,
		Reasoning:  fmt.Sprintf("no trend, RSI %.1f", rsi),
	}
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}
