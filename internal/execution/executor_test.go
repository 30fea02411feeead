package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/ledger"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type sliceRecorder struct {
	diags []model.Diagnostic
}

func (r *sliceRecorder) Record(diag model.Diagnostic) { r.diags = append(r.diags, diag) }

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func newExecutor(t *testing.T, cash float64) (*Executor, *ledger.Ledger, *sliceRecorder) {
	t.Helper()
	l, err := ledger.New([]string{"AAPL"}, d(cash), d(0.5))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	rec := &sliceRecorder{}
	return New(l, rec, nil), l, rec
}

func TestExecute_AppliesFeasibleTrade(t *testing.T) {
	ex, l, rec := newExecutor(t, 1000)

	tr := ex.Execute(day, model.Instruction{Instrument: "AAPL", Action: model.ActionBuy, Quantity: 5, Price: d(100)})
	if tr.Action != model.ActionBuy || tr.Quantity != 5 {
		t.Errorf("expected BUY 5, got %s %d", tr.Action, tr.Quantity)
	}
	if !l.Cash().Equal(d(500)) {
		t.Errorf("expected cash 500, got %s", l.Cash())
	}
	if len(rec.diags) != 0 {
		t.Errorf("expected no diagnostics, got %v", rec.diags)
	}
}

func TestExecute_InsufficientFundsDowngrades(t *testing.T) {
	ex, l, rec := newExecutor(t, 100)

	tr := ex.Execute(day, model.Instruction{Instrument: "AAPL", Action: model.ActionBuy, Quantity: 5, Price: d(100)})
	if tr.Action != model.ActionHold || tr.Quantity != 0 {
		t.Errorf("expected HOLD 0, got %s %d", tr.Action, tr.Quantity)
	}
	if !l.Cash().Equal(d(100)) {
		t.Errorf("cash changed: %s", l.Cash())
	}
	if len(rec.diags) != 1 || rec.diags[0].Reason != model.ReasonInsufficientFunds {
		t.Fatalf("expected one insufficient_funds diagnostic, got %v", rec.diags)
	}
	if rec.diags[0].Instrument != "AAPL" || !rec.diags[0].Date.Equal(day) {
		t.Errorf("diagnostic not correlated to (date, instrument): %+v", rec.diags[0])
	}
	if trades := l.Trades(); len(trades) != 1 || trades[0].Action != model.ActionHold {
		t.Errorf("expected a single HOLD in the log, got %v", trades)
	}
}

func TestExecute_InsufficientMarginDowngrades(t *testing.T) {
	ex, l, rec := newExecutor(t, 100)

	// 0.5 * 3 * 100 = 150 > 100.
	tr := ex.Execute(day, model.Instruction{Instrument: "AAPL", Action: model.ActionShort, Quantity: 3, Price: d(100)})
	if tr.Action != model.ActionHold {
		t.Errorf("expected HOLD, got %s", tr.Action)
	}
	if l.View().Positions["AAPL"].ShortShares != 0 {
		t.Error("short should not have been opened")
	}
	if len(rec.diags) != 1 || rec.diags[0].Reason != model.ReasonInsufficientMargin {
		t.Errorf("expected insufficient_margin diagnostic, got %v", rec.diags)
	}
}

func TestExecute_InvalidInstructionDowngrades(t *testing.T) {
	ex, _, rec := newExecutor(t, 1000)

	tr := ex.Execute(day, model.Instruction{Instrument: "AAPL", Action: model.ActionSell, Quantity: 5, Price: d(100)})
	if tr.Action != model.ActionHold {
		t.Errorf("expected HOLD, got %s", tr.Action)
	}
	if len(rec.diags) != 1 || rec.diags[0].Reason != model.ReasonInvalidInstruction {
		t.Errorf("expected invalid_instruction diagnostic, got %v", rec.diags)
	}
}
