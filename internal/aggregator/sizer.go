// Package aggregator collapses the independent signals reported for one
// instrument on one day into a consensus direction and a risk-bounded set of
// ledger instructions.
package aggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
	"github.com/sudhirig/ai-hedge-fund-full/internal/risk"
)

// ErrNoSignals is returned when no analyst reported on the instrument.
// The caller skips the instrument entirely; this is not a HOLD.
var ErrNoSignals = errors.New("aggregator: no signals for instrument")

// Input is everything the sizer sees for one instrument on one day.
type Input struct {
	Date       time.Time
	Instrument string
	Signals    map[string]model.Signal // analyst id -> signal
	Price      decimal.Decimal
	Portfolio  model.Portfolio
	TotalValue decimal.Decimal
	Marks      map[string]decimal.Decimal
}

// Decision is the sized outcome. Instructions run in order: a closing leg
// always precedes an opening leg.
type Decision struct {
	Instructions []model.Instruction
	Consensus    model.Consensus
}

// Sizer turns signals into instructions under a Policy.
type Sizer struct {
	policy       Policy
	limiter      *risk.Limiter
	riskAnalysts map[string]bool
}

// NewSizer validates p and builds a sizer.
func NewSizer(p Policy) (*Sizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	limiter, err := risk.NewLimiter(p.MaxPositionPct, p.MaxGrossPct, p.StopLossPct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	ra := make(map[string]bool, len(p.RiskAnalysts))
	for _, id := range p.RiskAnalysts {
		ra[id] = true
	}
	return &Sizer{policy: p, limiter: limiter, riskAnalysts: ra}, nil
}

// Policy returns the sizer's configuration.
func (s *Sizer) Policy() Policy { return s.policy }

// StopLoss reports whether the instrument's open position breached its stop.
func (s *Sizer) StopLoss(p model.Portfolio, instrument string, price decimal.Decimal) (model.Instruction, bool) {
	return s.limiter.StopLoss(instrument, p.Positions[instrument], price)
}

// Decide computes the consensus and sized instructions for one instrument.
func (s *Sizer) Decide(in Input) (Decision, error) {
	if len(in.Signals) == 0 {
		return Decision{}, ErrNoSignals
	}
	if !in.Price.IsPositive() {
		return Decision{}, fmt.Errorf("aggregator: non-positive price %s for %s", in.Price, in.Instrument)
	}

	c, belowFloor := s.tally(in)
	if belowFloor {
		c.Direction = model.Neutral
		return s.hold(in, c, "all confidence below floor"), nil
	}
	c.Direction = s.direction(c)
	if c.Direction == model.Neutral {
		return s.hold(in, c, "no consensus"), nil
	}

	var (
		inst       = in.Instrument
		price      = in.Price
		pos        = in.Portfolio.Positions[inst]
		cash       = in.Portfolio.Cash
		marginUsed = in.Portfolio.MarginUsed
		mr         = in.Portfolio.MarginRequirement
		exposures  = risk.Exposures(in.Portfolio, in.Marks)
		analysts   = decimal.NewFromInt(int64(len(in.Signals)))
		out        []model.Instruction
		opening    model.Action
		reason     = "position size rounds to zero"
		existing   decimal.Decimal
		capacity   decimal.Decimal
		score      decimal.Decimal
	)

	switch c.Direction {
	case model.Bullish:
		if pos.ShortShares > 0 {
			out = append(out, model.Instruction{
				Instrument: inst, Action: model.ActionCover, Quantity: pos.ShortShares, Price: price, Reason: "flip to long",
			})
			q := decimal.NewFromInt(pos.ShortShares)
			cash = cash.Sub(price.Mul(q))
			marginUsed = marginUsed.Sub(pos.ShortCostBasis.Mul(q).Mul(mr))
			pos.ShortShares = 0
		}
		opening = model.ActionBuy
		existing = price.Mul(decimal.NewFromInt(pos.LongShares))
		capacity = decimal.Max(cash, decimal.Zero)
		score = c.BuyScore

	case model.Bearish:
		if pos.LongShares > 0 {
			out = append(out, model.Instruction{
				Instrument: inst, Action: model.ActionSell, Quantity: pos.LongShares, Price: price, Reason: "flip to short",
			})
			cash = cash.Add(price.Mul(decimal.NewFromInt(pos.LongShares)))
			pos.LongShares = 0
		}
		if !s.policy.AllowShorts {
			reason = "shorts disabled"
			break
		}
		opening = model.ActionShort
		existing = price.Mul(decimal.NewFromInt(pos.ShortShares))
		capacity = s.marginCapacity(cash, marginUsed, mr)
		score = c.SellScore
	}

	if opening != "" {
		exposures[inst] = existing
		budget := s.limiter.Headroom(inst, existing, in.TotalValue, exposures)
		if capacity.GreaterThanOrEqual(decimal.Zero) {
			budget = decimal.Min(budget, capacity)
		}
		notional := budget.Mul(score).Div(analysts)

		if s.dissent(in.Signals, c.Direction) {
			notional, c.Vetoed = s.veto(notional, in.TotalValue)
		}

		qty := notional.Div(price).Floor().IntPart()
		if qty > 0 {
			err := s.limiter.CheckLimit(inst, price.Mul(decimal.NewFromInt(qty)), existing, in.TotalValue, exposures)
			if err == nil {
				out = append(out, model.Instruction{
					Instrument: inst, Action: opening, Quantity: qty, Price: price, Reason: string(c.Direction) + " consensus",
				})
			}
		}
	}

	if len(out) == 0 {
		return s.hold(in, c, reason), nil
	}
	return Decision{Instructions: out, Consensus: c}, nil
}

func (s *Sizer) tally(in Input) (model.Consensus, bool) {
	c := model.Consensus{
		Date:       in.Date,
		Instrument: in.Instrument,
		BuyScore:   decimal.Zero,
		SellScore:  decimal.Zero,
	}
	belowFloor := s.policy.ConfidenceFloor.IsPositive()
	for _, sig := range in.Signals {
		conf := decimal.NewFromFloat(sig.Confidence)
		if !conf.LessThan(s.policy.ConfidenceFloor) {
			belowFloor = false
		}
		switch sig.Direction {
		case model.Bullish:
			c.Bullish++
			c.BuyScore = c.BuyScore.Add(conf)
		case model.Bearish:
			c.Bearish++
			c.SellScore = c.SellScore.Add(conf)
		default:
			c.Neutral++
		}
	}
	largest := max(c.Bullish, c.Bearish, c.Neutral)
	c.Strength = float64(largest) / float64(len(in.Signals)) * 100
	return c, belowFloor
}

func (s *Sizer) direction(c model.Consensus) model.Direction {
	k := s.policy.Dominance
	switch {
	case c.BuyScore.GreaterThan(c.SellScore.Mul(k)):
		return model.Bullish
	case c.SellScore.GreaterThan(c.BuyScore.Mul(k)):
		return model.Bearish
	}
	if s.policy.TieBreak == TieCount {
		switch {
		case c.Bullish > c.Bearish:
			return model.Bullish
		case c.Bearish > c.Bullish:
			return model.Bearish
		}
	}
	return model.Neutral
}

// marginCapacity is the short notional that still fits under cash.
// A negative result means unbounded (no margin requirement).
func (s *Sizer) marginCapacity(cash, marginUsed, mr decimal.Decimal) decimal.Decimal {
	if !mr.IsPositive() {
		return decimal.NewFromInt(-1)
	}
	free := cash.Sub(marginUsed)
	if !free.IsPositive() {
		return decimal.Zero
	}
	return free.Div(mr)
}

func (s *Sizer) dissent(signals map[string]model.Signal, dir model.Direction) bool {
	if s.policy.RiskVeto == VetoIgnore {
		return false
	}
	opposite := model.Bearish
	if dir == model.Bearish {
		opposite = model.Bullish
	}
	for id, sig := range signals {
		if s.riskAnalysts[id] && sig.Direction == opposite {
			return true
		}
	}
	return false
}

func (s *Sizer) veto(notional, totalValue decimal.Decimal) (decimal.Decimal, bool) {
	switch s.policy.RiskVeto {
	case VetoBlock:
		return decimal.Zero, true
	case VetoCap:
		return decimal.Min(notional, s.policy.RiskVetoCapPct.Mul(totalValue)), true
	}
	return notional, false
}

func (s *Sizer) hold(in Input, c model.Consensus, reason string) Decision {
	return Decision{
		Instructions: []model.Instruction{{
			Instrument: in.Instrument,
			Action:     model.ActionHold,
			Price:      in.Price,
			Reason:     reason,
		}},
		Consensus: c,
	}
}
