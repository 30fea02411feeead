// Package model defines the core domain types shared across the backtester.
// All monetary values use shopspring/decimal. Share counts are whole int64
// quantities; fractional shares are not modeled.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the kind of ledger mutation a trade performs.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionShort Action = "SHORT"
	ActionCover Action = "COVER"
	ActionHold  Action = "HOLD"
)

// Closing reports whether the action realizes P&L.
func (a Action) Closing() bool {
	return a == ActionSell || a == ActionCover
}

// Direction is an analyst's view on an instrument.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// Valid reports whether d is one of the three known directions.
func (d Direction) Valid() bool {
	return d == Bullish || d == Bearish || d == Neutral
}

// Position is the holding in one instrument. Cost bases are weighted
// averages and are zero whenever the corresponding side is flat.
type Position struct {
	LongShares     int64           `json:"long_shares"`
	ShortShares    int64           `json:"short_shares"`
	LongCostBasis  decimal.Decimal `json:"long_cost_basis"`
	ShortCostBasis decimal.Decimal `json:"short_cost_basis"`
}

// RealizedGains accumulates P&L locked in by closing trades.
type RealizedGains struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// Portfolio is a point-in-time copy of the ledger state.
type Portfolio struct {
	Cash              decimal.Decimal          `json:"cash"`
	MarginRequirement decimal.Decimal          `json:"margin_requirement"`
	MarginUsed        decimal.Decimal          `json:"margin_used"`
	Positions         map[string]Position      `json:"positions"`
	RealizedGains     map[string]RealizedGains `json:"realized_gains"`
}

// Instruction is one sized order for the ledger.
type Instruction struct {
	Instrument string          `json:"instrument"`
	Action     Action          `json:"action"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Reason     string          `json:"reason,omitempty"`
}

// Trade is an immutable record of one applied instruction.
// CashFlow is signed so that cash_after - cash_before == -CashFlow.
type Trade struct {
	Seq         int             `json:"seq"`
	Date        time.Time       `json:"date"`
	Instrument  string          `json:"instrument"`
	Action      Action          `json:"action"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	CashFlow    decimal.Decimal `json:"cash_flow"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
}

// Snapshot is the marked-to-market portfolio value at one day's close.
type Snapshot struct {
	Date       time.Time       `json:"date"`
	TotalValue decimal.Decimal `json:"total_value"`
	Cash       decimal.Decimal `json:"cash"`
	LongValue  decimal.Decimal `json:"long_value"`
	ShortValue decimal.Decimal `json:"short_value"`
}

// Metrics summarizes a completed run. Returns and drawdown are percentages;
// WinRate is a fraction in [0,1].
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	SortinoRatio     float64 `json:"sortino_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	TradingDays      int     `json:"trading_days"`
	ClosingTrades    int     `json:"closing_trades"`
}

// Bar is one day of OHLCV data.
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Signal is one analyst's typed opinion on one instrument for one day.
type Signal struct {
	Direction  Direction `json:"signal"`
	Confidence float64   `json:"confidence"` // [0,1]
	Reasoning  string    `json:"reasoning,omitempty"`
}

// Consensus records how the signals for one instrument were combined.
type Consensus struct {
	Date       time.Time       `json:"date"`
	Instrument string          `json:"instrument"`
	Bullish    int             `json:"bullish"`
	Bearish    int             `json:"bearish"`
	Neutral    int             `json:"neutral"`
	BuyScore   decimal.Decimal `json:"buy_score"`
	SellScore  decimal.Decimal `json:"sell_score"`
	Direction  Direction       `json:"direction"`
	Strength   float64         `json:"strength"` // % of analysts agreeing with the largest camp
	Vetoed     bool            `json:"vetoed,omitempty"`
}

// Prediction is a scored analyst signal.
type Prediction struct {
	Date       time.Time `json:"date"`
	Instrument string    `json:"instrument"`
	Analyst    string    `json:"analyst"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
}

// AnalystScore is the hit rate of one analyst's directional calls.
type AnalystScore struct {
	Analyst       string  `json:"analyst"`
	Predictions   int     `json:"predictions"`
	Correct       int     `json:"correct"`
	Accuracy      float64 `json:"accuracy"` // percent
	AvgConfidence float64 `json:"avg_confidence"`
}

// Diagnostic reasons.
const (
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonInsufficientMargin = "insufficient_margin"
	ReasonInvalidInstruction = "invalid_instruction"
	ReasonNoSignalAvailable  = "no_signal_available"
	ReasonNoPriceAvailable   = "no_price_available"
	ReasonInvalidSignal      = "invalid_signal"
)

// Diagnostic records a downgraded or skipped unit of work.
type Diagnostic struct {
	Date       time.Time `json:"date"`
	Instrument string    `json:"instrument"`
	Analyst    string    `json:"analyst,omitempty"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
}

// RunStatus is the lifecycle state of a backtest run.
type RunStatus string

const (
	StatusNotStarted RunStatus = "not_started"
	StatusRunning    RunStatus = "running"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusAborted    RunStatus = "aborted"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Run is the persisted record of one backtest.
type Run struct {
	ID                string          `json:"id" db:"id"`
	Status            RunStatus       `json:"status" db:"status"`
	Instruments       []string        `json:"instruments" db:"instruments"`
	Analysts          []string        `json:"analysts" db:"analysts"`
	StartDate         time.Time       `json:"start_date" db:"start_date"`
	EndDate           time.Time       `json:"end_date" db:"end_date"`
	InitialCash       decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	MarginRequirement decimal.Decimal `json:"margin_requirement" db:"margin_requirement"`
	FinalValue        decimal.Decimal `json:"final_value" db:"final_value"`
	Metrics           *Metrics        `json:"metrics,omitempty" db:"metrics"`
	Error             string          `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}
