// Package performance computes risk-adjusted statistics from a completed
// run's snapshot series and trade log.
package performance

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// TradingDaysPerYear annualizes daily Sharpe and Sortino ratios.
const TradingDaysPerYear = 252

var (
	zeroDec    = decimal.Zero
	oneDec     = decimal.NewFromInt(1)
	hundredDec = decimal.NewFromInt(100)
)

// Analyze derives Metrics from snapshots (date order) and trades.
func Analyze(snapshots []model.Snapshot, trades []model.Trade) model.Metrics {
	m := model.Metrics{}
	if n := len(snapshots); n > 0 {
		m.TradingDays = n - 1
	}

	m.WinRate, m.ClosingTrades = WinRate(trades)

	if len(snapshots) < 2 {
		return m
	}

	first := snapshots[0]
	last := snapshots[len(snapshots)-1]
	if first.TotalValue.IsPositive() {
		m.TotalReturn = last.TotalValue.Div(first.TotalValue).Sub(oneDec).Mul(hundredDec).InexactFloat64()
	}

	days := int(last.Date.Sub(first.Date).Hours() / 24)
	m.AnnualizedReturn = m.TotalReturn * 365 / float64(max(1, days))

	returns := DailyReturns(snapshots)
	m.SharpeRatio = Sharpe(returns)
	m.SortinoRatio = Sortino(returns)
	m.MaxDrawdown = MaxDrawdown(snapshots)
	return m
}

// DailyReturns computes r_i = v_i / v_{i-1} - 1 over consecutive snapshots.
// Steps from a non-positive value are skipped.
func DailyReturns(snapshots []model.Snapshot) []float64 {
	if len(snapshots) < 2 {
		return nil
	}
	out := make([]float64, 0, len(snapshots)-1)
	for i := 1; i < len(snapshots); i++ {
		prev := snapshots[i-1].TotalValue
		if !prev.IsPositive() {
			continue
		}
		out = append(out, snapshots[i].TotalValue.Div(prev).Sub(oneDec).InexactFloat64())
	}
	return out
}

// Sharpe returns mean/stdev × sqrt(252), or 0 when stdev is 0 or fewer than
// two returns are available.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	sd := stat.StdDev(returns, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return mean / sd * math.Sqrt(TradingDaysPerYear)
}

// Sortino uses the downside deviation sqrt(Σ r² / n_neg) over negative
// returns. Zero when there are no negative days.
func Sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sumSq float64
	var neg int
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
			neg++
		}
	}
	if neg == 0 {
		return 0
	}
	dd := math.Sqrt(sumSq / float64(neg))
	if dd == 0 {
		return 0
	}
	return stat.Mean(returns, nil) / dd * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown is the largest peak-to-trough decline, as a positive percentage.
func MaxDrawdown(snapshots []model.Snapshot) float64 {
	if len(snapshots) == 0 {
		return 0
	}
	peak := snapshots[0].TotalValue
	maxDD := zeroDec
	for _, s := range snapshots {
		if s.TotalValue.GreaterThan(peak) {
			peak = s.TotalValue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := oneDec.Sub(s.TotalValue.Div(peak))
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD.Mul(hundredDec).InexactFloat64()
}

// WinRate is the fraction of closing trades (SELL/COVER) with positive
// realized P&L, together with the number of closing trades.
func WinRate(trades []model.Trade) (float64, int) {
	var closing, wins int
	for _, t := range trades {
		if !t.Action.Closing() || t.Quantity == 0 {
			continue
		}
		closing++
		if t.RealizedPnL.IsPositive() {
			wins++
		}
	}
	if closing == 0 {
		return 0, 0
	}
	return float64(wins) / float64(closing), closing
}
