package analyst

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudhirig/ai-hedge-fund-full/internal/market"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

var asOf = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

// series builds one bar per calendar day ending at asOf, applying steps
// cyclically from a starting close of 100.
func series(n int, steps ...float64) *market.SeriesSource {
	src := market.NewSeriesSource()
	px := 100.0
	for i := 0; i < n; i++ {
		px += steps[i%len(steps)]
		src.Add("AAPL", model.Bar{
			Date:  asOf.AddDate(0, 0, i-n+1),
			Close: decimal.NewFromFloat(px),
		})
	}
	return src
}

type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	lastUsr string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.lastUsr = user
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal("```json\n{\"signal\": \"Bullish\", \"confidence\": 85, \"reasoning\": \"moat\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, model.Bullish, sig.Direction)
	assert.InDelta(t, 0.85, sig.Confidence, 1e-12)
	assert.Equal(t, "moat", sig.Reasoning)

	sig, err = ParseSignal(`{"signal":"bearish","confidence":0.4}`)
	require.NoError(t, err)
	assert.Equal(t, model.Bearish, sig.Direction)
	assert.InDelta(t, 0.4, sig.Confidence, 1e-12)

	for _, bad := range []string{
		"I think it goes up",
		`{"signal":"up","confidence":50}`,
		`{"signal":"bullish"}`,
		`{"signal":"bullish","confidence":150}`,
		`{"signal":"bullish","confidence":-1}`,
		`{"signal":"bullish","confidence":"high"}`,
	} {
		_, err := ParseSignal(bad)
		assert.ErrorIs(t, err, ErrMalformedResponse, bad)
	}
}

func TestLLMAnalyst_RetriesMalformedThenSucceeds(t *testing.T) {
	c := &fakeCompleter{
		errs:    []error{errors.New("rate limited")},
		replies: []string{"", "not json", `{"signal":"neutral","confidence":60,"reasoning":"wait"}`},
	}
	a := NewLLMAnalyst(DefaultPersonas()[0], c, series(60, 1), WithRetries(3, time.Millisecond))

	sig, err := a.Analyze(context.Background(), "AAPL", asOf)
	require.NoError(t, err)
	assert.Equal(t, model.Neutral, sig.Direction)
	assert.InDelta(t, 0.6, sig.Confidence, 1e-12)
	assert.Equal(t, 3, c.calls)
	assert.Contains(t, c.lastUsr, "Instrument: AAPL")
	assert.Contains(t, c.lastUsr, "As of: 2024-06-28")
}

func TestLLMAnalyst_UnavailableAfterLastRetry(t *testing.T) {
	c := &fakeCompleter{replies: []string{"nope"}}
	a := NewLLMAnalyst(DefaultPersonas()[0], c, series(60, 1), WithRetries(2, time.Millisecond))

	_, err := a.Analyze(context.Background(), "AAPL", asOf)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, c.calls)
}

func TestLLMAnalyst_NoHistory(t *testing.T) {
	c := &fakeCompleter{replies: []string{`{"signal":"bullish","confidence":90}`}}
	a := NewLLMAnalyst(DefaultPersonas()[0], c, market.NewSeriesSource())

	_, err := a.Analyze(context.Background(), "AAPL", asOf)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, c.calls)
}

func TestTechnicalAnalyst(t *testing.T) {
	tests := []struct {
		name  string
		steps []float64
		want  model.Direction
	}{
		{"overbought on straight rally", []float64{1}, model.Bearish},
		{"oversold on straight decline", []float64{-0.5}, model.Bullish},
		{"uptrend with pullbacks", []float64{2, -1.2}, model.Bullish},
		{"downtrend with bounces", []float64{-2, 1.2}, model.Bearish},
		{"flat chop", []float64{1, -1}, model.Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewTechnicalAnalyst("technical", series(120, tt.steps...))
			sig, err := a.Analyze(context.Background(), "AAPL", asOf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig.Direction, sig.Reasoning)
			assert.GreaterOrEqual(t, sig.Confidence, 0.0)
			assert.LessOrEqual(t, sig.Confidence, 1.0)
		})
	}
}

func TestTechnicalAnalyst_NotEnoughHistory(t *testing.T) {
	a := NewTechnicalAnalyst("technical", series(30, 1))
	_, err := a.Analyze(context.Background(), "AAPL", asOf)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReadScripts(t *testing.T) {
	in := `{
		"value": {"AAPL": {"2024-06-28": {"signal": "bullish", "confidence": 90}}},
		"growth": {"AAPL": {"2024-06-28": {"signal": "bearish", "confidence": 0.3, "reasoning": "rich"}}}
	}`
	scripts, err := ReadScripts(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "growth", scripts[0].ID())
	assert.Equal(t, "value", scripts[1].ID())

	sig, err := scripts[1].Analyze(context.Background(), "AAPL", asOf)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-12)

	_, err = scripts[1].Analyze(context.Background(), "AAPL", asOf.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = ReadScripts(strings.NewReader(`{"x": {"AAPL": {"june": {"signal": "bullish", "confidence": 1}}}}`))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	scripts, err := ReadScripts(strings.NewReader(`{"value": {"AAPL": {"2024-06-28": {"signal": "bullish", "confidence": 0.7}}}}`))
	require.NoError(t, err)
	tech := NewTechnicalAnalyst("technical", series(10, 1))
	r := NewRegistry(scripts[0], tech)

	assert.Equal(t, []string{"technical", "value"}, r.IDs())
	assert.ErrorIs(t, r.Register(tech), ErrDuplicateAnalyst)
	assert.NoError(t, r.Check([]string{"value"}))
	assert.ErrorIs(t, r.Check([]string{"value", "oracle"}), ErrUnknownAnalyst)

	sig, err := r.Signal(context.Background(), "value", "AAPL", asOf)
	require.NoError(t, err)
	assert.Equal(t, model.Bullish, sig.Direction)

	_, err = r.Signal(context.Background(), "oracle", "AAPL", asOf)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrUnknownAnalyst)

	// Too little history: the technical analyst's failure surfaces as unavailable.
	_, err = r.Signal(context.Background(), "technical", "AAPL", asOf)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDefaultRegistry(t *testing.T) {
	prices := series(10, 1)

	r := DefaultRegistry(prices, nil)
	assert.Equal(t, []string{TechnicalID}, r.IDs())

	r = DefaultRegistry(prices, &fakeCompleter{}, WithRetries(0, time.Millisecond))
	assert.Len(t, r.IDs(), 1+len(DefaultPersonas()))
	assert.NoError(t, r.Check([]string{"warren_buffett", "risk_manager", TechnicalID}))

	dup, err := ReadScripts(strings.NewReader(`{"technical": {}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, r.RegisterScripts(dup), ErrDuplicateAnalyst)
}
