// Package risk implements the portfolio limits that bound position sizing.
//
// Exposure is measured in notional at today's mark. A new opening trade must
// fit inside two budgets: the per-instrument allocation (a fraction of total
// portfolio value) and, optionally, the gross exposure across the whole
// universe.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push a single
	// instrument's exposure beyond the per-instrument allocation.
	ErrPositionLimitExceeded = errors.New("risk: per-instrument position limit exceeded")

	// ErrGrossLimitExceeded is returned when a trade would push aggregate
	// gross exposure beyond the gross cap.
	ErrGrossLimitExceeded = errors.New("risk: gross exposure limit exceeded")

	// ErrInvalidLimit is returned for out-of-range limit fractions.
	ErrInvalidLimit = errors.New("risk: limit fraction outside (0,1]")
)

// Limiter enforces position limits as fractions of total portfolio value.
type Limiter struct {
	// MaxPositionPct is the largest exposure one instrument may carry.
	MaxPositionPct decimal.Decimal

	// MaxGrossPct caps Σ |exposure| across all instruments. Zero disables it.
	MaxGrossPct decimal.Decimal

	// StopLossPct closes a position once the mark moves this far against
	// its cost basis. Zero disables it.
	StopLossPct decimal.Decimal
}

// NewLimiter creates a limiter and validates its fractions.
func NewLimiter(maxPositionPct, maxGrossPct, stopLossPct decimal.Decimal) (*Limiter, error) {
	one := decimal.NewFromInt(1)
	if !maxPositionPct.IsPositive() || maxPositionPct.GreaterThan(one) {
		return nil, ErrInvalidLimit
	}
	if maxGrossPct.IsNegative() || stopLossPct.IsNegative() || stopLossPct.GreaterThanOrEqual(one) {
		return nil, ErrInvalidLimit
	}
	return &Limiter{
		MaxPositionPct: maxPositionPct,
		MaxGrossPct:    maxGrossPct,
		StopLossPct:    stopLossPct,
	}, nil
}

// Exposures returns gross notional exposure per instrument at the given marks.
// Instruments without a mark are valued at their cost basis.
func Exposures(p model.Portfolio, marks map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.Positions))
	for inst, pos := range p.Positions {
		if pos.LongShares == 0 && pos.ShortShares == 0 {
			continue
		}
		longMark, shortMark := pos.LongCostBasis, pos.ShortCostBasis
		if m, ok := marks[inst]; ok {
			longMark, shortMark = m, m
		}
		long := longMark.Mul(decimal.NewFromInt(pos.LongShares))
		short := shortMark.Mul(decimal.NewFromInt(pos.ShortShares))
		out[inst] = long.Add(short)
	}
	return out
}

// Headroom returns the additional notional the target instrument may take on.
// existing is the target's current exposure in the direction being opened;
// exposures is the gross exposure of every instrument (target included).
func (l *Limiter) Headroom(
	target string,
	existing decimal.Decimal,
	totalValue decimal.Decimal,
	exposures map[string]decimal.Decimal,
) decimal.Decimal {
	if !totalValue.IsPositive() {
		return decimal.Zero
	}

	// 1. Per-instrument allocation.
	room := l.MaxPositionPct.Mul(totalValue).Sub(existing)

	// 2. Gross exposure across the universe.
	if l.MaxGrossPct.IsPositive() {
		gross := decimal.Zero
		for _, exp := range exposures {
			gross = gross.Add(exp.Abs())
		}
		grossRoom := l.MaxGrossPct.Mul(totalValue).Sub(gross)
		room = decimal.Min(room, grossRoom)
	}

	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}

// CheckLimit validates whether adding notional to target respects both limits.
func (l *Limiter) CheckLimit(
	target string,
	notional decimal.Decimal,
	existing decimal.Decimal,
	totalValue decimal.Decimal,
	exposures map[string]decimal.Decimal,
) error {
	if existing.Add(notional).GreaterThan(l.MaxPositionPct.Mul(totalValue)) {
		return ErrPositionLimitExceeded
	}
	if l.MaxGrossPct.IsPositive() {
		gross := notional
		for _, exp := range exposures {
			gross = gross.Add(exp.Abs())
		}
		if gross.GreaterThan(l.MaxGrossPct.Mul(totalValue)) {
			return ErrGrossLimitExceeded
		}
	}
	return nil
}

// StopLoss returns the closing instruction for target when the price has
// breached the stop, or false when no stop applies.
func (l *Limiter) StopLoss(target string, pos model.Position, price decimal.Decimal) (model.Instruction, bool) {
	if !l.StopLossPct.IsPositive() || !price.IsPositive() {
		return model.Instruction{}, false
	}
	one := decimal.NewFromInt(1)

	if pos.LongShares > 0 {
		floor := pos.LongCostBasis.Mul(one.Sub(l.StopLossPct))
		if price.LessThanOrEqual(floor) {
			return model.Instruction{
				Instrument: target,
				Action:     model.ActionSell,
				Quantity:   pos.LongShares,
				Price:      price,
				Reason:     "stop loss",
			}, true
		}
	}
	if pos.ShortShares > 0 {
		ceiling := pos.ShortCostBasis.Mul(one.Add(l.StopLossPct))
		if price.GreaterThanOrEqual(ceiling) {
			return model.Instruction{
				Instrument: target,
				Action:     model.ActionCover,
				Quantity:   pos.ShortShares,
				Price:      price,
				Reason:     "stop loss",
			}, true
		}
	}
	return model.Instruction{}, false
}
