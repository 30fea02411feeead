package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/market"
	"github.com/sudhirig/ai-hedge-fund-full/internal/metrics"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// ErrMalformedResponse is returned when a completion does not follow the
// signal JSON contract.
var ErrMalformedResponse = errors.New("analyst: malformed model response")

var hundred = decimal.NewFromInt(100)

// Completer sends one system + user prompt pair to a language model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAICompleter is a Completer backed by the OpenAI chat completions API.
type OpenAICompleter struct {
	cli       oa.Client
	model     string
	maxTokens int64
}

func NewOpenAICompleter(apiKey, model string, opts ...option.RequestOption) *OpenAICompleter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAICompleter{
		cli:       oa.NewClient(opts...),
		model:     model,
		maxTokens: 400,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.cli.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model: oa.ChatModel(c.model),
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(system),
			oa.UserMessage(user),
		},
		MaxTokens:   oa.Int(c.maxTokens),
		Temperature: oa.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Persona is an investing style the model is asked to adopt.
type Persona struct {
	ID    string
	Name  string
	Style string
}

// DefaultPersonas returns the built-in investor personas.
func DefaultPersonas() []Persona {
	return []Persona{
		{"warren_buffett", "Warren Buffett", "durable competitive advantages, predictable earnings and a margin of safety; patient, long horizon"},
		{"ben_graham", "Ben Graham", "deep value, price well below intrinsic value, strong balance sheet; avoids speculation"},
		{"charlie_munger", "Charlie Munger", "high-quality businesses at fair prices, mental models, avoids obvious mistakes"},
		{"cathie_wood", "Cathie Wood", "disruptive innovation and exponential growth; tolerates volatility"},
		{"michael_burry", "Michael Burry", "contrarian deep value, hunts mispricings and asymmetric downside in crowded trades"},
		{"peter_lynch", "Peter Lynch", "growth at a reasonable price, understandable businesses, earnings momentum"},
		{"stanley_druckenmiller", "Stanley Druckenmiller", "macro-aware momentum, concentrated bets when trend and liquidity align"},
		{aggregator.DefaultRiskAnalyst, "Risk Manager", "capital preservation; flags drawdown risk, volatility spikes and stretched valuations"},
	}
}

const systemPrompt = `You are %s, acting as an equity analyst. Investing style: %s.

Respond with a single JSON object and nothing else:
{"signal": "bullish" | "bearish" | "neutral", "confidence": <number 0-100>, "reasoning": "<one or two sentences>"}`

// LLMAnalyst asks a language model, speaking as a persona, for a signal on
// recent price action. Failed calls and malformed responses are retried with
// exponential backoff; after the last attempt the signal is unavailable.
type LLMAnalyst struct {
	persona    Persona
	completer  Completer
	prices     market.HistorySource
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// LLMOption configures an LLMAnalyst.
type LLMOption func(*LLMAnalyst)

// WithRetries sets the number of retries after the first attempt and the
// initial backoff, which doubles on each retry.
func WithRetries(n int, backoff time.Duration) LLMOption {
	return func(a *LLMAnalyst) {
		a.maxRetries = n
		a.backoff = backoff
	}
}

func WithLLMLogger(l *slog.Logger) LLMOption {
	return func(a *LLMAnalyst) { a.logger = l }
}

func NewLLMAnalyst(p Persona, c Completer, prices market.HistorySource, opts ...LLMOption) *LLMAnalyst {
	a := &LLMAnalyst{
		persona:    p,
		completer:  c,
		prices:     prices,
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LLMAnalyst) ID() string { return a.persona.ID }

func (a *LLMAnalyst) Analyze(ctx context.Context, instrument string, date time.Time) (model.Signal, error) {
	bars, err := a.prices.History(ctx, instrument, date.AddDate(0, 0, -45), date)
	if err != nil || len(bars) == 0 {
		return model.Signal{}, fmt.Errorf("%w: no price history for %s", ErrUnavailable, instrument)
	}
	system := fmt.Sprintf(systemPrompt, a.persona.Name, a.persona.Style)
	user := userPrompt(instrument, date, bars)

	var lastErr error
	wait := a.backoff
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.CollaboratorRetries.WithLabelValues("llm").Inc()
			a.logger.Warn("llm analyst retrying",
				"analyst", a.persona.ID,
				"instrument", instrument,
				"date", date.Format(time.DateOnly),
				"attempt", attempt,
				"err", lastErr,
			)
			select {
			case <-ctx.Done():
				return model.Signal{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(wait):
			}
			wait *= 2
		}

		content, err := a.completer.Complete(ctx, system, user)
		if err != nil {
			lastErr = err
			continue
		}
		sig, err := ParseSignal(content)
		if err != nil {
			lastErr = err
			continue
		}
		return sig, nil
	}
	return model.Signal{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, a.persona.ID, a.maxRetries+1, lastErr)
}

func userPrompt(instrument string, date time.Time, bars []model.Bar) string {
	if len(bars) > 30 {
		bars = bars[len(bars)-30:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s\nAs of: %s\nDaily closes (oldest first):\n", instrument, date.Format(time.DateOnly))
	for _, bar := range bars {
		fmt.Fprintf(&b, "%s %s\n", bar.Date.Format(time.DateOnly), bar.Close.StringFixed(2))
	}
	first, lastClose := bars[0].Close, bars[len(bars)-1].Close
	if first.IsPositive() {
		change := lastClose.Sub(first).Div(first).Mul(hundred)
		fmt.Fprintf(&b, "Change over window: %s%%\n", change.StringFixed(2))
	}
	b.WriteString("Give your trading signal for the next session.")
	return b.String()
}

type signalPayload struct {
	Signal     string   `json:"signal"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// ParseSignal decodes the first JSON object in a completion. Confidence may
// be given as a fraction or a percentage; percentages are normalized.
func ParseSignal(content string) (model.Signal, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return model.Signal{}, fmt.Errorf("%w: no JSON object", ErrMalformedResponse)
	}

	var p signalPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &p); err != nil {
		return model.Signal{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	dir := model.Direction(strings.ToLower(strings.TrimSpace(p.Signal)))
	if !dir.Valid() {
		return model.Signal{}, fmt.Errorf("%w: signal %q", ErrMalformedResponse, p.Signal)
	}
	if p.Confidence == nil {
		return model.Signal{}, fmt.Errorf("%w: missing confidence", ErrMalformedResponse)
	}
	conf := *p.Confidence
	if conf < 0 || conf > 100 {
		return model.Signal{}, fmt.Errorf("%w: confidence %v", ErrMalformedResponse, conf)
	}
	if conf > 1 {
		conf /= 100
	}
	return model.Signal{Direction: dir, Confidence: conf, Reasoning: p.Reasoning}, nil
}
