package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sudhirig/ai-hedge-fund-full/internal/backtest"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
	"github.com/sudhirig/ai-hedge-fund-full/internal/store"
)

const pricesCSV = `Date,Open,High,Low,Close,Volume
2024-03-01,100,100,100,100,1000
2024-03-04,100,100,100,100,1000
2024-03-05,110,110,110,110,1000
2024-03-06,105,105,105,105,1000
`

const signalsJSON = `{
  "bull": {"AAPL": {"2024-03-04": {"signal": "bullish", "confidence": 0.9}}},
  "bear": {"AAPL": {"2024-03-05": {"signal": "bearish", "confidence": 0.8}}}
}`

func fixtures(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AAPL.csv"), []byte(pricesCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	signals := filepath.Join(dir, "signals.json")
	if err := os.WriteFile(signals, []byte(signalsJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, signals
}

func baseArgs(dir, signals string) []string {
	return []string{
		"-tickers", "AAPL",
		"-analysts", "bull,bear",
		"-start", "2024-03-01",
		"-end", "2024-03-06",
		"-prices", "csv",
		"-csv-dir", dir,
		"-signals", signals,
		"-stop-loss", "0",
		"-no-shorts",
	}
}

func TestRun_JSONOutput(t *testing.T) {
	dir, signals := fixtures(t)
	var out, errOut bytes.Buffer

	code := run(append(baseArgs(dir, signals), "-json"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}

	var res backtest.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != model.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.Snapshots) != 4 {
		t.Errorf("expected 4 snapshots, got %d", len(res.Snapshots))
	}

	var actions []model.Action
	for _, tr := range res.Trades {
		if tr.Action != model.ActionHold {
			actions = append(actions, tr.Action)
		}
	}
	if len(actions) != 2 || actions[0] != model.ActionBuy || actions[1] != model.ActionSell {
		t.Errorf("expected BUY then SELL, got %v", actions)
	}
}

func TestRun_TableReportAndExports(t *testing.T) {
	dir, signals := fixtures(t)
	tradesPath := filepath.Join(dir, "trades.csv")
	dbPath := filepath.Join(dir, "runs.db")
	var out, errOut bytes.Buffer

	code := run(append(baseArgs(dir, signals), "-trades-csv", tradesPath, "-sqlite", dbPath), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}

	report := out.String()
	for _, want := range []string{"PORTFOLIO SUMMARY", "Final value", "BUY", "SELL", "ANALYST"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}

	data, err := os.ReadFile(tradesPath)
	if err != nil {
		t.Fatalf("read trades csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "seq,date,instrument,action,quantity,price,cash_flow,realized_pnl,reason" {
		t.Errorf("unexpected header %q", lines[0])
	}
	if len(lines) < 3 {
		t.Errorf("expected at least two trades, got %d lines", len(lines))
	}

	if strings.Contains(errOut.String(), "persist run") {
		t.Skipf("sqlite unavailable: %s", errOut.String())
	}
	st, err := store.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer st.Close()
	runs, err := st.ListRuns(context.Background(), 10)
	if err != nil || len(runs) != 1 || runs[0].Status != model.StatusCompleted {
		t.Errorf("expected one completed run persisted, got %v (%v)", runs, err)
	}
}

func TestRun_BadArguments(t *testing.T) {
	dir, signals := fixtures(t)

	tests := map[string][]string{
		"unknown analyst": {"-analysts", "oracle"},
		"bad date":        {"-start", "yesterday"},
		"bad tie break":   {"-tie-break", "coin"},
		"bad source":      {"-prices", "bloomberg"},
	}
	for name, extra := range tests {
		var out, errOut bytes.Buffer
		args := append(baseArgs(dir, signals), extra...)
		if code := run(args, &out, &errOut); code != 2 {
			t.Errorf("%s: expected exit 2, got %d (%s)", name, code, errOut.String())
		}
	}
}
