package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewLimiter_Validation(t *testing.T) {
	if _, err := NewLimiter(d(0), d(0), d(0)); err != ErrInvalidLimit {
		t.Errorf("zero position pct: expected ErrInvalidLimit, got %v", err)
	}
	if _, err := NewLimiter(d(1.2), d(0), d(0)); err != ErrInvalidLimit {
		t.Errorf("position pct > 1: expected ErrInvalidLimit, got %v", err)
	}
	if _, err := NewLimiter(d(0.1), d(0), d(1)); err != ErrInvalidLimit {
		t.Errorf("stop loss 100%%: expected ErrInvalidLimit, got %v", err)
	}
	if _, err := NewLimiter(d(0.1), d(1.5), d(0.15)); err != nil {
		t.Errorf("expected valid limiter, got %v", err)
	}
}

func TestHeadroom_PerInstrument(t *testing.T) {
	l, _ := NewLimiter(d(0.1), d(0), d(0))

	room := l.Headroom("AAPL", d(0), d(100000), nil)
	if !room.Equal(d(10000)) {
		t.Errorf("expected 10000, got %s", room)
	}

	room = l.Headroom("AAPL", d(7500), d(100000), nil)
	if !room.Equal(d(2500)) {
		t.Errorf("expected 2500, got %s", room)
	}

	room = l.Headroom("AAPL", d(12000), d(100000), nil)
	if !room.IsZero() {
		t.Errorf("expected 0 when already over limit, got %s", room)
	}
}

func TestHeadroom_GrossCap(t *testing.T) {
	l, _ := NewLimiter(d(0.5), d(1.0), d(0))

	exposures := map[string]decimal.Decimal{
		"MSFT": d(40000),
		"NVDA": d(45000),
	}
	// Per-instrument room is 50000 but only 15000 gross room remains.
	room := l.Headroom("AAPL", d(0), d(100000), exposures)
	if !room.Equal(d(15000)) {
		t.Errorf("expected 15000, got %s", room)
	}
}

func TestHeadroom_NonPositiveTotal(t *testing.T) {
	l, _ := NewLimiter(d(0.1), d(0), d(0))
	if room := l.Headroom("AAPL", d(0), d(-5), nil); !room.IsZero() {
		t.Errorf("expected zero room for negative total value, got %s", room)
	}
}

func TestCheckLimit(t *testing.T) {
	l, _ := NewLimiter(d(0.1), d(0.3), d(0))

	if err := l.CheckLimit("AAPL", d(9000), d(0), d(100000), nil); err != nil {
		t.Errorf("expected within limits, got %v", err)
	}
	if err := l.CheckLimit("AAPL", d(3000), d(8000), d(100000), nil); err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}

	exposures := map[string]decimal.Decimal{"MSFT": d(10000), "NVDA": d(15000)}
	if err := l.CheckLimit("AAPL", d(6000), d(0), d(100000), exposures); err != ErrGrossLimitExceeded {
		t.Errorf("expected ErrGrossLimitExceeded, got %v", err)
	}
}

func TestExposures(t *testing.T) {
	p := model.Portfolio{Positions: map[string]model.Position{
		"AAPL": {LongShares: 10, LongCostBasis: d(100)},
		"MSFT": {ShortShares: 5, ShortCostBasis: d(200)},
		"NVDA": {},
	}}

	exp := Exposures(p, map[string]decimal.Decimal{"AAPL": d(110)})
	if !exp["AAPL"].Equal(d(1100)) {
		t.Errorf("AAPL: expected 1100 at mark, got %s", exp["AAPL"])
	}
	if !exp["MSFT"].Equal(d(1000)) {
		t.Errorf("MSFT: expected 1000 at cost basis, got %s", exp["MSFT"])
	}
	if _, ok := exp["NVDA"]; ok {
		t.Error("flat instrument should have no exposure entry")
	}
}

func TestStopLoss(t *testing.T) {
	l, _ := NewLimiter(d(0.1), d(0), d(0.15))

	tests := []struct {
		name   string
		pos    model.Position
		price  float64
		want   model.Action
		wantOK bool
	}{
		{"long above stop", model.Position{LongShares: 10, LongCostBasis: d(100)}, 86, "", false},
		{"long at stop", model.Position{LongShares: 10, LongCostBasis: d(100)}, 85, model.ActionSell, true},
		{"long below stop", model.Position{LongShares: 10, LongCostBasis: d(100)}, 70, model.ActionSell, true},
		{"short below stop", model.Position{ShortShares: 4, ShortCostBasis: d(100)}, 114, "", false},
		{"short at stop", model.Position{ShortShares: 4, ShortCostBasis: d(100)}, 115, model.ActionCover, true},
		{"flat", model.Position{}, 10, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ok := l.StopLoss("AAPL", tt.pos, d(tt.price))
			if ok != tt.wantOK {
				t.Fatalf("triggered = %v, want %v", ok, tt.wantOK)
			}
			if ok && in.Action != tt.want {
				t.Errorf("action = %s, want %s", in.Action, tt.want)
			}
			if ok && in.Quantity != tt.pos.LongShares+tt.pos.ShortShares {
				t.Errorf("expected full close, got %d", in.Quantity)
			}
		})
	}
}

func TestStopLoss_Disabled(t *testing.T) {
	l, _ := NewLimiter(d(0.1), d(0), d(0))
	if _, ok := l.StopLoss("AAPL", model.Position{LongShares: 1, LongCostBasis: d(100)}, d(1)); ok {
		t.Error("stop loss should be disabled at 0")
	}
}
