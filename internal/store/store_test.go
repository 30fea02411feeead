package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func day(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func newRun(id string, created time.Time) *model.Run {
	return &model.Run{
		ID:                id,
		Status:            model.StatusRunning,
		Instruments:       []string{"AAPL", "MSFT"},
		Analysts:          []string{"technical", "warren_buffett"},
		StartDate:         day("2024-03-01"),
		EndDate:           day("2024-03-29"),
		InitialCash:       d("100000"),
		MarginRequirement: d("0.5"),
		FinalValue:        decimal.Zero,
		CreatedAt:         created,
	}
}

// testStore runs the shared behaviour checks against one implementation.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := s.CreateRun(ctx, newRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("expected newest first [run-c run-b], got %v", runIDs(runs))
	}

	got, err := s.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusRunning || len(got.Instruments) != 2 || got.Instruments[1] != "MSFT" {
		t.Errorf("unexpected run: %+v", got)
	}
	if !got.InitialCash.Equal(d("100000")) || !got.MarginRequirement.Equal(d("0.5")) {
		t.Errorf("decimals not preserved: %s %s", got.InitialCash, got.MarginRequirement)
	}
	if !got.StartDate.Equal(day("2024-03-01")) {
		t.Errorf("start date = %v", got.StartDate)
	}
	if got.Metrics != nil || got.FinishedAt != nil {
		t.Errorf("expected no metrics or finish time on a running run")
	}

	snaps := []model.Snapshot{
		{Date: day("2024-03-01"), TotalValue: d("100000"), Cash: d("100000"), LongValue: decimal.Zero, ShortValue: decimal.Zero},
		{Date: day("2024-03-04"), TotalValue: d("100012.34"), Cash: d("91128.17"), LongValue: d("8884.17"), ShortValue: decimal.Zero},
	}
	if err := s.InsertSnapshots(ctx, "run-a", snaps[:1]); err != nil {
		t.Fatalf("insert snapshots: %v", err)
	}
	if err := s.InsertSnapshots(ctx, "run-a", snaps[1:]); err != nil {
		t.Fatalf("insert snapshots: %v", err)
	}

	trades := []model.Trade{
		{Seq: 1, Date: day("2024-03-04"), Instrument: "AAPL", Action: model.ActionBuy, Quantity: 59,
			Price: d("150.37"), CashFlow: d("8871.83"), RealizedPnL: decimal.Zero, Reason: "bullish consensus"},
		{Seq: 2, Date: day("2024-03-04"), Instrument: "MSFT", Action: model.ActionHold, Quantity: 0,
			Price: d("415.5"), CashFlow: decimal.Zero, RealizedPnL: decimal.Zero, Reason: "no consensus"},
	}
	if err := s.InsertTrades(ctx, "run-a", trades); err != nil {
		t.Fatalf("insert trades: %v", err)
	}
	diags := []model.Diagnostic{
		{Date: day("2024-03-04"), Instrument: "MSFT", Analyst: "technical", Reason: model.ReasonNoSignalAvailable, Detail: "not enough history"},
	}
	if err := s.InsertDiagnostics(ctx, "run-a", diags); err != nil {
		t.Fatalf("insert diagnostics: %v", err)
	}

	finished := base.Add(time.Hour)
	done := newRun("run-a", base)
	done.Status = model.StatusCompleted
	done.FinalValue = d("100012.34")
	done.Metrics = &model.Metrics{TotalReturn: 0.01234, SharpeRatio: 1.5, TradingDays: 1}
	done.FinishedAt = &finished
	if err := s.UpdateRun(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateRun(ctx, newRun("missing", base)); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: expected ErrNotFound, got %v", err)
	}

	got, err = s.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != model.StatusCompleted || !got.FinalValue.Equal(d("100012.34")) {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Metrics == nil || got.Metrics.SharpeRatio != 1.5 {
		t.Errorf("metrics not stored: %+v", got.Metrics)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, finished)
	}

	gotSnaps, err := s.GetSnapshots(ctx, "run-a")
	if err != nil {
		t.Fatalf("get snapshots: %v", err)
	}
	if len(gotSnaps) != 2 || !gotSnaps[1].Date.Equal(day("2024-03-04")) || !gotSnaps[1].Cash.Equal(d("91128.17")) {
		t.Errorf("unexpected snapshots: %+v", gotSnaps)
	}

	gotTrades, err := s.GetTrades(ctx, "run-a")
	if err != nil {
		t.Fatalf("get trades: %v", err)
	}
	if len(gotTrades) != 2 || gotTrades[0].Quantity != 59 || !gotTrades[0].CashFlow.Equal(d("8871.83")) ||
		gotTrades[1].Action != model.ActionHold {
		t.Errorf("unexpected trades: %+v", gotTrades)
	}

	gotDiags, err := s.GetDiagnostics(ctx, "run-a")
	if err != nil {
		t.Fatalf("get diagnostics: %v", err)
	}
	if len(gotDiags) != 1 || gotDiags[0].Analyst != "technical" || gotDiags[0].Reason != model.ReasonNoSignalAvailable {
		t.Errorf("unexpected diagnostics: %+v", gotDiags)
	}

	if other, _ := s.GetTrades(ctx, "run-b"); len(other) != 0 {
		t.Errorf("expected no trades for run-b, got %d", len(other))
	}
}

func runIDs(runs []model.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesOnWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := newRun("run-x", time.Now())
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Instruments[0] = "TSLA"
	r.Status = model.StatusFailed

	got, _ := s.GetRun(ctx, "run-x")
	if got.Instruments[0] != "AAPL" || got.Status != model.StatusRunning {
		t.Errorf("stored run was mutated through caller's pointer: %+v", got)
	}
	if err := s.CreateRun(ctx, r); err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestCachedStore_RedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	testStore(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute))
}
