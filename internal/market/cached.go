package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// CachedSource wraps a Source with a Redis read-through cache. Historical
// bars do not change, so entries only expire by TTL. Misses are not cached.
// Redis failures fall through to the wrapped source.
type CachedSource struct {
	src Source
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedSource creates a cached wrapper around src.
func NewCachedSource(src Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{src: src, rdb: rdb, ttl: ttl}
}

func (s *CachedSource) Bar(ctx context.Context, instrument string, date time.Time) (model.Bar, error) {
	key := barKey(instrument, date)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var bar model.Bar
		if json.Unmarshal(data, &bar) == nil {
			return bar, nil
		}
	}

	bar, err := s.src.Bar(ctx, instrument, date)
	if err != nil {
		return model.Bar{}, err
	}
	if data, err := json.Marshal(bar); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return bar, nil
}

// History passes through when the wrapped source supports it.
func (s *CachedSource) History(ctx context.Context, instrument string, from, to time.Time) ([]model.Bar, error) {
	hs, ok := s.src.(HistorySource)
	if !ok {
		return nil, fmt.Errorf("%w: history not supported", ErrNotAvailable)
	}
	return hs.History(ctx, instrument, from, to)
}

func barKey(instrument string, date time.Time) string {
	return fmt.Sprintf("bar:%s:%s", instrument, date.Format(time.DateOnly))
}
