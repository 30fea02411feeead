// Package store defines the persistence interface for backtest runs and
// their output. Implementations include PostgreSQL (server deployments),
// SQLite (local CLI runs), Redis (read-through cache), and in-memory (tests).
package store

import (
	"context"
	"errors"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Run output is append-only; only the
// run record itself is updated as the run progresses.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// UpdateRun writes status, final value, metrics, error and finish time.
	UpdateRun(ctx context.Context, run *model.Run) error

	// --- Run output ---

	InsertSnapshots(ctx context.Context, runID string, snaps []model.Snapshot) error
	InsertTrades(ctx context.Context, runID string, trades []model.Trade) error
	InsertDiagnostics(ctx context.Context, runID string, diags []model.Diagnostic) error

	// GetSnapshots returns the run's snapshots in date order.
	GetSnapshots(ctx context.Context, runID string) ([]model.Snapshot, error)

	// GetTrades returns the run's trades in log order.
	GetTrades(ctx context.Context, runID string) ([]model.Trade, error)

	GetDiagnostics(ctx context.Context, runID string) ([]model.Diagnostic, error)
}
