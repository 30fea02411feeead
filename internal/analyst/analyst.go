// Package analyst produces per-instrument trading signals. Each analyst is an
// independent collaborator; the Registry routes the backtest driver's signal
// requests to them by id.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sudhirig/ai-hedge-fund-full/internal/market"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

var (
	// ErrUnavailable means the analyst has no opinion for that instrument and
	// date, including after exhausting its retries.
	ErrUnavailable = errors.New("analyst: signal unavailable")

	ErrUnknownAnalyst   = errors.New("analyst: unknown analyst")
	ErrDuplicateAnalyst = errors.New("analyst: duplicate analyst id")
)

// Analyst produces a signal for one instrument as of one date.
type Analyst interface {
	ID() string
	Analyze(ctx context.Context, instrument string, date time.Time) (model.Signal, error)
}

// Registry maps analyst ids to analysts.
type Registry struct {
	mu       sync.RWMutex
	analysts map[string]Analyst
}

// NewRegistry registers the given analysts. Later duplicates are ignored.
func NewRegistry(analysts ...Analyst) *Registry {
	r := &Registry{analysts: make(map[string]Analyst, len(analysts))}
	for _, a := range analysts {
		_ = r.Register(a)
	}
	return r
}

// Register adds an analyst.
func (r *Registry) Register(a Analyst) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.analysts[a.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAnalyst, a.ID())
	}
	r.analysts[a.ID()] = a
	return nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.analysts))
	for id := range r.analysts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check reports the first roster id that is not registered.
func (r *Registry) Check(roster []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range roster {
		if _, ok := r.analysts[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAnalyst, id)
		}
	}
	return nil
}

// Signal dispatches to the named analyst. Every failure is reported as
// ErrUnavailable so the driver can treat it as "no opinion".
func (r *Registry) Signal(ctx context.Context, analystID, instrument string, date time.Time) (model.Signal, error) {
	r.mu.RLock()
	a, ok := r.analysts[analystID]
	r.mu.RUnlock()
	if !ok {
		return model.Signal{}, fmt.Errorf("%w: %w: %s", ErrUnavailable, ErrUnknownAnalyst, analystID)
	}
	sig, err := a.Analyze(ctx, instrument, date)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return model.Signal{}, err
		}
		return model.Signal{}, fmt.Errorf("%w: %s on %s: %v", ErrUnavailable, analystID, instrument, err)
	}
	return sig, nil
}

// TechnicalID is the id of the built-in technical analyst.
const TechnicalID = "technical"

// DefaultRegistry registers the technical analyst and, when a completer is
// given, one LLM analyst per default persona.
func DefaultRegistry(prices market.HistorySource, c Completer, opts ...LLMOption) *Registry {
	r := NewRegistry(NewTechnicalAnalyst(TechnicalID, prices))
	if c == nil {
		return r
	}
	for _, p := range DefaultPersonas() {
		_ = r.Register(NewLLMAnalyst(p, c, prices, opts...))
	}
	return r
}

// RegisterScripts adds scripted analysts. An id already registered is an
// error.
func (r *Registry) RegisterScripts(scripts []*Scripted) error {
	for _, s := range scripts {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
