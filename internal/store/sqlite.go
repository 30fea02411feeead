package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// SQLiteStore implements Store on a local SQLite file, for CLI runs that
// should be kept without a database server. Decimals and dates are stored
// as text.
type SQLiteStore struct {
	db *sql.DB
}

// Fixed-width so timestamps sort correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		instruments        TEXT NOT NULL,
		analysts           TEXT NOT NULL,
		start_date         TEXT NOT NULL,
		end_date           TEXT NOT NULL,
		initial_cash       TEXT NOT NULL,
		margin_requirement TEXT NOT NULL,
		final_value        TEXT NOT NULL DEFAULT '0',
		metrics            TEXT,
		error              TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		finished_at        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_snapshots (
		run_id      TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
		date        TEXT NOT NULL,
		total_value TEXT NOT NULL,
		cash        TEXT NOT NULL,
		long_value  TEXT NOT NULL,
		short_value TEXT NOT NULL,
		PRIMARY KEY (run_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_trades (
		run_id       TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		date         TEXT NOT NULL,
		instrument   TEXT NOT NULL,
		action       TEXT NOT NULL,
		quantity     INTEGER NOT NULL,
		price        TEXT NOT NULL,
		cash_flow    TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_diagnostics (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
		date       TEXT NOT NULL,
		instrument TEXT NOT NULL,
		analyst    TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	metrics, err := encodeMetrics(r.Metrics)
	if err != nil {
		return err
	}
	instruments, _ := json.Marshal(r.Instruments)
	analysts, _ := json.Marshal(r.Analysts)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backtest_runs (id, status, instruments, analysts, start_date, end_date,
		                           initial_cash, margin_requirement, final_value, metrics, error, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), string(instruments), string(analysts),
		r.StartDate.Format(time.DateOnly), r.EndDate.Format(time.DateOnly),
		r.InitialCash.String(), r.MarginRequirement.String(), r.FinalValue.String(),
		metrics, r.Error, r.CreatedAt.UTC().Format(sqliteTimeLayout), formatTime(r.FinishedAt),
	)
	return err
}

const sqliteRunColumns = `id, status, instruments, analysts, start_date, end_date,
	initial_cash, margin_requirement, final_value, metrics, error, created_at, finished_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM backtest_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM backtest_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	metrics, err := encodeMetrics(r.Metrics)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE backtest_runs SET status = ?, final_value = ?, metrics = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(r.Status), r.FinalValue.String(), metrics, r.Error, formatTime(r.FinishedAt), r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// --- Run output ---

func (s *SQLiteStore) InsertSnapshots(ctx context.Context, runID string, snaps []model.Snapshot) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, sn := range snaps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backtest_snapshots (run_id, date, total_value, cash, long_value, short_value) VALUES (?, ?, ?, ?, ?, ?)`,
				runID, sn.Date.Format(time.DateOnly),
				sn.TotalValue.String(), sn.Cash.String(), sn.LongValue.String(), sn.ShortValue.String(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) InsertTrades(ctx context.Context, runID string, trades []model.Trade) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range trades {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backtest_trades (run_id, seq, date, instrument, action, quantity, price, cash_flow, realized_pnl, reason)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, t.Seq, t.Date.Format(time.DateOnly), t.Instrument, string(t.Action), t.Quantity,
				t.Price.String(), t.CashFlow.String(), t.RealizedPnL.String(), t.Reason,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) InsertDiagnostics(ctx context.Context, runID string, diags []model.Diagnostic) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range diags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backtest_diagnostics (run_id, date, instrument, analyst, reason, detail) VALUES (?, ?, ?, ?, ?, ?)`,
				runID, d.Date.Format(time.DateOnly), d.Instrument, d.Analyst, d.Reason, d.Detail,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetSnapshots(ctx context.Context, runID string) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, total_value, cash, long_value, short_value
		 FROM backtest_snapshots WHERE run_id = ? ORDER BY date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (s *SQLiteStore) GetTrades(ctx context.Context, runID string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, date, instrument, action, quantity, price, cash_flow, realized_pnl, reason
		 FROM backtest_trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *SQLiteStore) GetDiagnostics(ctx context.Context, runID string) ([]model.Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, instrument, analyst, reason, detail
		 FROM backtest_diagnostics WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDiagnostics(rows)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row sqlRow) (*model.Run, error) {
	var r model.Run
	var status, instruments, analysts, start, end, cash, margin, final, created string
	var metrics, finished sql.NullString
	if err := row.Scan(&r.ID, &status, &instruments, &analysts, &start, &end,
		&cash, &margin, &final, &metrics, &r.Error, &created, &finished); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(instruments), &r.Instruments); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	if err := json.Unmarshal([]byte(analysts), &r.Analysts); err != nil {
		return nil, fmt.Errorf("decode analysts: %w", err)
	}
	r.StartDate, _ = parseDate(start)
	r.EndDate, _ = parseDate(end)
	r.InitialCash, _ = decimal.NewFromString(cash)
	r.MarginRequirement, _ = decimal.NewFromString(margin)
	r.FinalValue, _ = decimal.NewFromString(final)
	r.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
	if finished.Valid {
		t, err := time.Parse(sqliteTimeLayout, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	if metrics.Valid {
		var err error
		if r.Metrics, err = decodeMetrics(&metrics.String); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(sqliteTimeLayout)
	return &s
}
