package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// rowScanner is satisfied by both pgx.Rows and *sql.Rows. Queries select
// dates and NUMERIC columns as text so the scan helpers serve both backends.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSnapshots(rows rowScanner) ([]model.Snapshot, error) {
	var snaps []model.Snapshot
	for rows.Next() {
		var date, total, cash, long, short string
		if err := rows.Scan(&date, &total, &cash, &long, &short); err != nil {
			return nil, err
		}
		var s model.Snapshot
		var err error
		if s.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		s.TotalValue, _ = decimal.NewFromString(total)
		s.Cash, _ = decimal.NewFromString(cash)
		s.LongValue, _ = decimal.NewFromString(long)
		s.ShortValue, _ = decimal.NewFromString(short)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func scanTrades(rows rowScanner) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var date, action, price, cashFlow, pnl string
		if err := rows.Scan(&t.Seq, &date, &t.Instrument, &action, &t.Quantity,
			&price, &cashFlow, &pnl, &t.Reason); err != nil {
			return nil, err
		}
		var err error
		if t.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		t.Action = model.Action(action)
		t.Price, _ = decimal.NewFromString(price)
		t.CashFlow, _ = decimal.NewFromString(cashFlow)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanDiagnostics(rows rowScanner) ([]model.Diagnostic, error) {
	var diags []model.Diagnostic
	for rows.Next() {
		var d model.Diagnostic
		var date string
		if err := rows.Scan(&date, &d.Instrument, &d.Analyst, &d.Reason, &d.Detail); err != nil {
			return nil, err
		}
		var err error
		if d.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		diags = append(diags, d)
	}
	return diags, rows.Err()
}

func parseDate(s string) (time.Time, error) {
	if len(s) > len(time.DateOnly) {
		s = s[:len(time.DateOnly)]
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func encodeMetrics(m *model.Metrics) (*string, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodeMetrics(s *string) (*model.Metrics, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var m model.Metrics
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return &m, nil
}
