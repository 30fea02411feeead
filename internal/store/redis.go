package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. Run output is only cached once the run is
// terminal, since it keeps growing until then.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.CreateRun(ctx, r); err != nil {
		return err
	}
	s.cacheJSON(ctx, runKey(r.ID), r)
	return nil
}

func (s *CachedStore) UpdateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.UpdateRun(ctx, r); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, runKey(r.ID))
	return nil
}

func (s *CachedStore) InsertSnapshots(ctx context.Context, runID string, snaps []model.Snapshot) error {
	if err := s.primary.InsertSnapshots(ctx, runID, snaps); err != nil {
		return err
	}
	s.rdb.Del(ctx, snapshotsKey(runID))
	return nil
}

func (s *CachedStore) InsertTrades(ctx context.Context, runID string, trades []model.Trade) error {
	if err := s.primary.InsertTrades(ctx, runID, trades); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(runID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if s.cached(ctx, runKey(id), &r) {
		return &r, nil
	}

	// Cache miss: read from primary.
	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, runKey(id), run)
	return run, nil
}

func (s *CachedStore) GetSnapshots(ctx context.Context, runID string) ([]model.Snapshot, error) {
	var snaps []model.Snapshot
	if s.cached(ctx, snapshotsKey(runID), &snaps) {
		return snaps, nil
	}
	snaps, err := s.primary.GetSnapshots(ctx, runID)
	if err != nil {
		return nil, err
	}
	if s.terminal(ctx, runID) {
		s.cacheJSON(ctx, snapshotsKey(runID), snaps)
	}
	return snaps, nil
}

func (s *CachedStore) GetTrades(ctx context.Context, runID string) ([]model.Trade, error) {
	var trades []model.Trade
	if s.cached(ctx, tradesKey(runID), &trades) {
		return trades, nil
	}
	trades, err := s.primary.GetTrades(ctx, runID)
	if err != nil {
		return nil, err
	}
	if s.terminal(ctx, runID) {
		s.cacheJSON(ctx, tradesKey(runID), trades)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	return s.primary.ListRuns(ctx, limit)
}

func (s *CachedStore) InsertDiagnostics(ctx context.Context, runID string, diags []model.Diagnostic) error {
	return s.primary.InsertDiagnostics(ctx, runID, diags)
}

func (s *CachedStore) GetDiagnostics(ctx context.Context, runID string) ([]model.Diagnostic, error) {
	return s.primary.GetDiagnostics(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) terminal(ctx context.Context, runID string) bool {
	r, err := s.GetRun(ctx, runID)
	return err == nil && r.Status.Terminal()
}

func runKey(id string) string       { return fmt.Sprintf("run:%s", id) }
func snapshotsKey(id string) string { return fmt.Sprintf("run:%s:snapshots", id) }
func tradesKey(id string) string    { return fmt.Sprintf("run:%s:trades", id) }
