package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// Scripted replays signals recorded ahead of time, for example from an
// earlier LLM run or a hand-written scenario.
type Scripted struct {
	id      string
	signals map[string]map[string]model.Signal // instrument -> YYYY-MM-DD -> signal
}

func (s *Scripted) ID() string { return s.id }

func (s *Scripted) Analyze(_ context.Context, instrument string, date time.Time) (model.Signal, error) {
	sig, ok := s.signals[instrument][date.Format(time.DateOnly)]
	if !ok {
		return model.Signal{}, fmt.Errorf("%w: no scripted signal for %s on %s", ErrUnavailable, instrument, date.Format(time.DateOnly))
	}
	return sig, nil
}

// ReadScripts decodes {"analyst": {"TICKER": {"YYYY-MM-DD": signal}}}.
// Confidence follows the same fraction-or-percentage rule as model output.
func ReadScripts(r io.Reader) ([]*Scripted, error) {
	var raw map[string]map[string]map[string]signalPayload
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode scripts: %w", err)
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Scripted, 0, len(ids))
	for _, id := range ids {
		s := &Scripted{id: id, signals: make(map[string]map[string]model.Signal)}
		for inst, days := range raw[id] {
			s.signals[inst] = make(map[string]model.Signal, len(days))
			for day, p := range days {
				if _, err := time.Parse(time.DateOnly, day); err != nil {
					return nil, fmt.Errorf("script %s/%s: %w", id, inst, err)
				}
				data, _ := json.Marshal(p)
				sig, err := ParseSignal(string(data))
				if err != nil {
					return nil, fmt.Errorf("script %s/%s/%s: %w", id, inst, day, err)
				}
				s.signals[inst][day] = sig
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadScripts reads scripted analysts from a JSON file.
func LoadScripts(path string) ([]*Scripted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadScripts(f)
}
