package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		instruments        TEXT[] NOT NULL,
		analysts           TEXT[] NOT NULL,
		start_date         DATE NOT NULL,
		end_date           DATE NOT NULL,
		initial_cash       NUMERIC NOT NULL,
		margin_requirement NUMERIC NOT NULL,
		final_value        NUMERIC NOT NULL DEFAULT 0,
		metrics            JSONB,
		error              TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		finished_at        TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_snapshots (
		run_id      TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
		date        DATE NOT NULL,
		total_value NUMERIC NOT NULL,
		cash        NUMERIC NOT NULL,
		long_value  NUMERIC NOT NULL,
		short_value NUMERIC NOT NULL,
		PRIMARY KEY (run_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_trades (
		run_id       TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		date         DATE NOT NULL,
		instrument   TEXT NOT NULL,
		action       TEXT NOT NULL,
		quantity     BIGINT NOT NULL,
		price        NUMERIC NOT NULL,
		cash_flow    NUMERIC NOT NULL,
		realized_pnl NUMERIC NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_diagnostics (
		id         BIGSERIAL PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
		date       DATE NOT NULL,
		instrument TEXT NOT NULL,
		analyst    TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS backtest_runs_created_at_idx ON backtest_runs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS backtest_diagnostics_run_idx ON backtest_diagnostics (run_id, id)`,
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	metrics, err := encodeMetrics(r.Metrics)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO backtest_runs (id, status, instruments, analysts, start_date, end_date,
		                           initial_cash, margin_requirement, final_value, metrics, error, created_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::JSONB, $11, $12, $13)`,
		r.ID, string(r.Status), r.Instruments, r.Analysts, r.StartDate, r.EndDate,
		r.InitialCash.String(), r.MarginRequirement.String(), r.FinalValue.String(),
		metrics, r.Error, r.CreatedAt, r.FinishedAt,
	)
	return err
}

const runColumns = `id, status, instruments, analysts, start_date::TEXT, end_date::TEXT,
	initial_cash::TEXT, margin_requirement::TEXT, final_value::TEXT,
	metrics::TEXT, error, created_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM backtest_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM backtest_runs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	metrics, err := encodeMetrics(r.Metrics)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE backtest_runs
		 SET status = $2, final_value = $3::NUMERIC, metrics = $4::JSONB, error = $5, finished_at = $6
		 WHERE id = $1`,
		r.ID, string(r.Status), r.FinalValue.String(), metrics, r.Error, r.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// --- Run output ---

func (s *PostgresStore) InsertSnapshots(ctx context.Context, runID string, snaps []model.Snapshot) error {
	b := &pgx.Batch{}
	for _, sn := range snaps {
		b.Queue(`INSERT INTO backtest_snapshots (run_id, date, total_value, cash, long_value, short_value)
		         VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)`,
			runID, sn.Date, sn.TotalValue.String(), sn.Cash.String(), sn.LongValue.String(), sn.ShortValue.String())
	}
	return s.sendBatch(ctx, b)
}

func (s *PostgresStore) InsertTrades(ctx context.Context, runID string, trades []model.Trade) error {
	b := &pgx.Batch{}
	for _, t := range trades {
		b.Queue(`INSERT INTO backtest_trades (run_id, seq, date, instrument, action, quantity, price, cash_flow, realized_pnl, reason)
		         VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			runID, t.Seq, t.Date, t.Instrument, string(t.Action), t.Quantity,
			t.Price.String(), t.CashFlow.String(), t.RealizedPnL.String(), t.Reason)
	}
	return s.sendBatch(ctx, b)
}

func (s *PostgresStore) InsertDiagnostics(ctx context.Context, runID string, diags []model.Diagnostic) error {
	b := &pgx.Batch{}
	for _, d := range diags {
		b.Queue(`INSERT INTO backtest_diagnostics (run_id, date, instrument, analyst, reason, detail)
		         VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, d.Date, d.Instrument, d.Analyst, d.Reason, d.Detail)
	}
	return s.sendBatch(ctx, b)
}

func (s *PostgresStore) GetSnapshots(ctx context.Context, runID string) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date::TEXT, total_value::TEXT, cash::TEXT, long_value::TEXT, short_value::TEXT
		 FROM backtest_snapshots WHERE run_id = $1 ORDER BY date`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (s *PostgresStore) GetTrades(ctx context.Context, runID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, date::TEXT, instrument, action, quantity,
		        price::TEXT, cash_flow::TEXT, realized_pnl::TEXT, reason
		 FROM backtest_trades WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetDiagnostics(ctx context.Context, runID string) ([]model.Diagnostic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date::TEXT, instrument, analyst, reason, detail
		 FROM backtest_diagnostics WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDiagnostics(rows)
}

func (s *PostgresStore) sendBatch(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status, start, end, cash, margin, final string
	var metrics *string
	var finished *time.Time
	if err := row.Scan(&r.ID, &status, &r.Instruments, &r.Analysts, &start, &end,
		&cash, &margin, &final, &metrics, &r.Error, &r.CreatedAt, &finished); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.StartDate, _ = parseDate(start)
	r.EndDate, _ = parseDate(end)
	r.InitialCash, _ = decimal.NewFromString(cash)
	r.MarginRequirement, _ = decimal.NewFromString(margin)
	r.FinalValue, _ = decimal.NewFromString(final)
	r.FinishedAt = finished
	var err error
	if r.Metrics, err = decodeMetrics(metrics); err != nil {
		return nil, err
	}
	return &r, nil
}
