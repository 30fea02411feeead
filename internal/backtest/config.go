package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/aggregator"
	"github.com/sudhirig/ai-hedge-fund-full/internal/instrument"
)

// ErrInvalidConfiguration wraps every configuration rejection. It is fatal
// and always reported before the run starts.
var ErrInvalidConfiguration = errors.New("backtest: invalid configuration")

// DefaultSignalConcurrency bounds in-flight signal requests per day.
const DefaultSignalConcurrency = 8

// Defaults applied by callers that accept partial run requests.
var (
	DefaultInitialCash       = decimal.NewFromInt(100000)
	DefaultMarginRequirement = decimal.NewFromFloat(0.5)
)

// Config is immutable once a run starts.
type Config struct {
	Instruments       []string          `json:"instruments"`
	Start             time.Time         `json:"start"`
	End               time.Time         `json:"end"`
	InitialCash       decimal.Decimal   `json:"initial_cash"`
	MarginRequirement decimal.Decimal   `json:"margin_requirement"`
	Analysts          []string          `json:"analysts"`
	Policy            aggregator.Policy `json:"policy"`
	SignalConcurrency int               `json:"signal_concurrency"`
}

// Normalize returns a copy with validated, sorted instruments, dates
// truncated to days and defaults applied.
func (c Config) Normalize() (Config, error) {
	universe, err := instrument.Universe(c.Instruments)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	c.Instruments = universe

	if c.Start.IsZero() || c.End.IsZero() {
		return Config{}, fmt.Errorf("%w: start and end dates are required", ErrInvalidConfiguration)
	}
	c.Start, c.End = Day(c.Start), Day(c.End)
	if c.End.Before(c.Start) {
		return Config{}, fmt.Errorf("%w: end date %s before start date %s", ErrInvalidConfiguration,
			c.End.Format(time.DateOnly), c.Start.Format(time.DateOnly))
	}
	if len(BusinessDays(c.Start, c.End)) == 0 {
		return Config{}, fmt.Errorf("%w: no business days between %s and %s", ErrInvalidConfiguration,
			c.Start.Format(time.DateOnly), c.End.Format(time.DateOnly))
	}

	if c.InitialCash.IsNegative() {
		return Config{}, fmt.Errorf("%w: negative initial cash %s", ErrInvalidConfiguration, c.InitialCash)
	}
	if c.MarginRequirement.IsNegative() || c.MarginRequirement.GreaterThan(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("%w: margin requirement %s outside [0,1]", ErrInvalidConfiguration, c.MarginRequirement)
	}

	if len(c.Analysts) == 0 {
		return Config{}, fmt.Errorf("%w: analyst roster is empty", ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(c.Analysts))
	analysts := make([]string, 0, len(c.Analysts))
	for _, a := range c.Analysts {
		if a == "" {
			return Config{}, fmt.Errorf("%w: empty analyst id", ErrInvalidConfiguration)
		}
		if !seen[a] {
			seen[a] = true
			analysts = append(analysts, a)
		}
	}
	c.Analysts = analysts

	if err := c.Policy.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.SignalConcurrency <= 0 {
		c.SignalConcurrency = DefaultSignalConcurrency
	}
	return c, nil
}
