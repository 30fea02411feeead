package aggregator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidPolicy wraps every policy validation failure.
var ErrInvalidPolicy = errors.New("aggregator: invalid policy")

// TieBreak decides what happens when neither score dominates.
type TieBreak string

const (
	// TieHold resolves ties to HOLD.
	TieHold TieBreak = "hold"
	// TieCount falls back to the larger analyst count; equal counts still HOLD.
	TieCount TieBreak = "count"
)

// VetoMode decides how a dissenting risk analyst affects an opening trade.
type VetoMode string

const (
	// VetoCap limits the opening notional to RiskVetoCapPct of total value.
	VetoCap VetoMode = "cap"
	// VetoBlock suppresses the opening trade.
	VetoBlock VetoMode = "block"
	// VetoIgnore treats risk analysts like any other analyst.
	VetoIgnore VetoMode = "ignore"
)

// DefaultRiskAnalyst is the analyst id whose dissent the default policy
// treats as a risk veto.
const DefaultRiskAnalyst = "risk_manager"

// Policy is the risk configuration for consensus and sizing.
type Policy struct {
	MaxPositionPct  decimal.Decimal `json:"max_position_pct"`
	MaxGrossPct     decimal.Decimal `json:"max_gross_pct"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	Dominance       decimal.Decimal `json:"dominance"`
	ConfidenceFloor decimal.Decimal `json:"confidence_floor"`
	TieBreak        TieBreak        `json:"tie_break"`
	AllowShorts     bool            `json:"allow_shorts"`
	RiskAnalysts    []string        `json:"risk_analysts,omitempty"`
	RiskVeto        VetoMode        `json:"risk_veto"`
	RiskVetoCapPct  decimal.Decimal `json:"risk_veto_cap_pct"`
}

// DefaultPolicy returns the documented defaults: 10% per instrument, 15%
// stop loss, K = 1, HOLD on ties, shorts allowed, and a 5% cap whenever
// DefaultRiskAnalyst dissents.
func DefaultPolicy() Policy {
	return Policy{
		MaxPositionPct: decimal.NewFromFloat(0.10),
		StopLossPct:    decimal.NewFromFloat(0.15),
		Dominance:      decimal.NewFromInt(1),
		TieBreak:       TieHold,
		AllowShorts:    true,
		RiskAnalysts:   []string{DefaultRiskAnalyst},
		RiskVeto:       VetoCap,
		RiskVetoCapPct: decimal.NewFromFloat(0.05),
	}
}

// Validate checks every field range.
func (p Policy) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case !p.MaxPositionPct.IsPositive() || p.MaxPositionPct.GreaterThan(one):
		return fmt.Errorf("%w: max_position_pct %s outside (0,1]", ErrInvalidPolicy, p.MaxPositionPct)
	case p.MaxGrossPct.IsNegative():
		return fmt.Errorf("%w: negative max_gross_pct", ErrInvalidPolicy)
	case p.StopLossPct.IsNegative() || p.StopLossPct.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: stop_loss_pct %s outside [0,1)", ErrInvalidPolicy, p.StopLossPct)
	case p.Dominance.LessThan(one):
		return fmt.Errorf("%w: dominance %s below 1", ErrInvalidPolicy, p.Dominance)
	case p.ConfidenceFloor.IsNegative() || p.ConfidenceFloor.GreaterThan(one):
		return fmt.Errorf("%w: confidence_floor %s outside [0,1]", ErrInvalidPolicy, p.ConfidenceFloor)
	case p.TieBreak != TieHold && p.TieBreak != TieCount:
		return fmt.Errorf("%w: unknown tie_break %q", ErrInvalidPolicy, p.TieBreak)
	case p.RiskVeto != VetoCap && p.RiskVeto != VetoBlock && p.RiskVeto != VetoIgnore:
		return fmt.Errorf("%w: unknown risk_veto %q", ErrInvalidPolicy, p.RiskVeto)
	case p.RiskVeto == VetoCap && (p.RiskVetoCapPct.IsNegative() || p.RiskVetoCapPct.GreaterThan(one)):
		return fmt.Errorf("%w: risk_veto_cap_pct %s outside [0,1]", ErrInvalidPolicy, p.RiskVetoCapPct)
	}
	return nil
}
