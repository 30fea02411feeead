package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*model.Run
	snapshots   map[string][]model.Snapshot
	trades      map[string][]model.Trade
	diagnostics map[string][]model.Diagnostic
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*model.Run),
		snapshots:   make(map[string][]model.Snapshot),
		trades:      make(map[string][]model.Trade),
		diagnostics: make(map[string][]model.Diagnostic),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	// Store a copy to avoid external mutation.
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return copyRun(r), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	u := copyRun(run)
	r.Status = u.Status
	r.FinalValue = u.FinalValue
	r.Metrics = u.Metrics
	r.Error = u.Error
	r.FinishedAt = u.FinishedAt
	return nil
}

func (s *MemoryStore) InsertSnapshots(_ context.Context, runID string, snaps []model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[runID] = append(s.snapshots[runID], snaps...)
	return nil
}

func (s *MemoryStore) InsertTrades(_ context.Context, runID string, trades []model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[runID] = append(s.trades[runID], trades...)
	return nil
}

func (s *MemoryStore) InsertDiagnostics(_ context.Context, runID string, diags []model.Diagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.diagnostics[runID] = append(s.diagnostics[runID], diags...)
	return nil
}

func (s *MemoryStore) GetSnapshots(_ context.Context, runID string) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Snapshot(nil), s.snapshots[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *MemoryStore) GetTrades(_ context.Context, runID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Trade(nil), s.trades[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) GetDiagnostics(_ context.Context, runID string) ([]model.Diagnostic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Diagnostic(nil), s.diagnostics[runID]...), nil
}

func copyRun(r *model.Run) *model.Run {
	c := *r
	c.Instruments = append([]string(nil), r.Instruments...)
	c.Analysts = append([]string(nil), r.Analysts...)
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
