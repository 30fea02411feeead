// Package ledger holds the authoritative cash and position state of one
// backtest run. It performs no I/O: callers supply prices and sized
// instructions, the ledger validates and applies them and keeps an
// append-only trade log.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

var (
	// ErrInsufficientFunds is returned when cash cannot pay for a BUY or COVER.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientMargin is returned when a SHORT would push margin used
	// above available cash.
	ErrInsufficientMargin = errors.New("ledger: insufficient margin")

	// ErrUnknownInstrument is returned for instruments outside the universe.
	ErrUnknownInstrument = errors.New("ledger: unknown instrument")

	// ErrInvalidInstruction is returned for malformed instructions.
	ErrInvalidInstruction = errors.New("ledger: invalid instruction")

	// ErrNoPosition is returned when a SELL or COVER finds nothing to close.
	ErrNoPosition = errors.New("ledger: no position to close")

	// ErrMissingPrice is returned by MarkToMarket when a held instrument has no mark.
	ErrMissingPrice = errors.New("ledger: missing mark price")
)

// Ledger is safe for concurrent readers; Apply is serialized.
type Ledger struct {
	mu          sync.RWMutex
	cash        decimal.Decimal
	marginReq   decimal.Decimal
	instruments []string
	positions   map[string]*model.Position
	gains       map[string]*model.RealizedGains
	costs       map[string]*openCost
	trades      []model.Trade
}

// openCost is the exact cash paid (long) or received (short) for the shares
// still open. Cost bases are derived from it for display; realized P&L is
// booked against it so it always matches the cash actually moved.
type openCost struct {
	long  decimal.Decimal
	short decimal.Decimal
}

// New creates a ledger with zeroed positions for every instrument.
func New(instruments []string, initialCash, marginRequirement decimal.Decimal) (*Ledger, error) {
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("%w: negative initial cash %s", ErrInvalidInstruction, initialCash)
	}
	if marginRequirement.IsNegative() || marginRequirement.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: margin requirement %s outside [0,1]", ErrInvalidInstruction, marginRequirement)
	}

	l := &Ledger{
		cash:      initialCash,
		marginReq: marginRequirement,
		positions: make(map[string]*model.Position, len(instruments)),
		gains:     make(map[string]*model.RealizedGains, len(instruments)),
		costs:     make(map[string]*openCost, len(instruments)),
	}
	for _, inst := range instruments {
		if _, dup := l.positions[inst]; dup {
			continue
		}
		l.positions[inst] = &model.Position{}
		l.gains[inst] = &model.RealizedGains{}
		l.costs[inst] = &openCost{}
		l.instruments = append(l.instruments, inst)
	}
	sort.Strings(l.instruments)
	return l, nil
}

// Apply validates one instruction, mutates state and appends the Trade.
// On error the ledger is unchanged and nothing is logged.
func (l *Ledger) Apply(date time.Time, in model.Instruction) (model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[in.Instrument]
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, in.Instrument)
	}
	if in.Quantity < 0 {
		return model.Trade{}, fmt.Errorf("%w: negative quantity %d", ErrInvalidInstruction, in.Quantity)
	}
	if in.Action != model.ActionHold {
		if in.Quantity == 0 {
			return model.Trade{}, fmt.Errorf("%w: zero quantity for %s", ErrInvalidInstruction, in.Action)
		}
		if !in.Price.IsPositive() {
			return model.Trade{}, fmt.Errorf("%w: non-positive price %s", ErrInvalidInstruction, in.Price)
		}
	}

	gain := l.gains[in.Instrument]
	open := l.costs[in.Instrument]
	qty := in.Quantity
	price := in.Price
	cashFlow := decimal.Zero
	realized := decimal.Zero

	switch in.Action {
	case model.ActionBuy:
		cost := price.Mul(decimal.NewFromInt(qty))
		if l.cash.LessThan(cost) {
			return model.Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, l.cash)
		}
		open.long = open.long.Add(cost)
		pos.LongShares += qty
		pos.LongCostBasis = average(open.long, pos.LongShares)
		l.cash = l.cash.Sub(cost)
		cashFlow = cost

	case model.ActionSell:
		if qty > pos.LongShares {
			qty = pos.LongShares
		}
		if qty == 0 {
			return model.Trade{}, fmt.Errorf("%w: no long shares in %s", ErrNoPosition, in.Instrument)
		}
		q := decimal.NewFromInt(qty)
		proceeds := price.Mul(q)
		closed := closedCost(open.long, qty, pos.LongShares)
		realized = proceeds.Sub(closed)
		gain.Long = gain.Long.Add(realized)
		open.long = open.long.Sub(closed)
		pos.LongShares -= qty
		pos.LongCostBasis = average(open.long, pos.LongShares)
		l.cash = l.cash.Add(proceeds)
		cashFlow = proceeds.Neg()

	case model.ActionShort:
		notional := price.Mul(decimal.NewFromInt(qty))
		required := l.marginUsedLocked().Add(notional.Mul(l.marginReq))
		if required.GreaterThan(l.cash) {
			return model.Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientMargin, required, l.cash)
		}
		open.short = open.short.Add(notional)
		pos.ShortShares += qty
		pos.ShortCostBasis = average(open.short, pos.ShortShares)
		l.cash = l.cash.Add(notional)
		cashFlow = notional.Neg()

	case model.ActionCover:
		if qty > pos.ShortShares {
			qty = pos.ShortShares
		}
		if qty == 0 {
			return model.Trade{}, fmt.Errorf("%w: no short shares in %s", ErrNoPosition, in.Instrument)
		}
		// Cash never goes negative: cover only what cash can pay for.
		affordable := l.cash.Div(price).Floor().IntPart()
		if affordable < qty {
			qty = affordable
		}
		if qty == 0 {
			return model.Trade{}, fmt.Errorf("%w: cannot cover %s at %s with %s", ErrInsufficientFunds, in.Instrument, price, l.cash)
		}
		q := decimal.NewFromInt(qty)
		cost := price.Mul(q)
		closed := closedCost(open.short, qty, pos.ShortShares)
		realized = closed.Sub(cost)
		gain.Short = gain.Short.Add(realized)
		open.short = open.short.Sub(closed)
		pos.ShortShares -= qty
		pos.ShortCostBasis = average(open.short, pos.ShortShares)
		l.cash = l.cash.Sub(cost)
		cashFlow = cost

	case model.ActionHold:
		qty = 0

	default:
		return model.Trade{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInstruction, in.Action)
	}

	t := model.Trade{
		Seq:         len(l.trades) + 1,
		Date:        date,
		Instrument:  in.Instrument,
		Action:      in.Action,
		Quantity:    qty,
		Price:       price,
		CashFlow:    cashFlow,
		RealizedPnL: realized,
		Reason:      in.Reason,
	}
	l.trades = append(l.trades, t)
	return t, nil
}

// Valuation is the breakdown of a mark-to-market.
type Valuation struct {
	Cash       decimal.Decimal
	LongValue  decimal.Decimal
	ShortValue decimal.Decimal
	Total      decimal.Decimal
}

// Value marks every open position at the supplied prices.
func (l *Ledger) Value(prices map[string]decimal.Decimal) (Valuation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v := Valuation{Cash: l.cash}
	for _, inst := range l.instruments {
		pos := l.positions[inst]
		if pos.LongShares == 0 && pos.ShortShares == 0 {
			continue
		}
		mark, ok := prices[inst]
		if !ok {
			return Valuation{}, fmt.Errorf("%w: %s", ErrMissingPrice, inst)
		}
		v.LongValue = v.LongValue.Add(mark.Mul(decimal.NewFromInt(pos.LongShares)))
		v.ShortValue = v.ShortValue.Add(mark.Mul(decimal.NewFromInt(pos.ShortShares)))
	}
	v.Total = v.Cash.Add(v.LongValue).Sub(v.ShortValue)
	return v, nil
}

// MarkToMarket returns cash + long value - short value.
func (l *Ledger) MarkToMarket(prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, err := l.Value(prices)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Total, nil
}

// View returns a deep copy of the current state.
func (l *Ledger) View() model.Portfolio {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p := model.Portfolio{
		Cash:              l.cash,
		MarginRequirement: l.marginReq,
		MarginUsed:        l.marginUsedLocked(),
		Positions:         make(map[string]model.Position, len(l.positions)),
		RealizedGains:     make(map[string]model.RealizedGains, len(l.gains)),
	}
	for inst, pos := range l.positions {
		p.Positions[inst] = *pos
		p.RealizedGains[inst] = *l.gains[inst]
	}
	return p
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Trades returns a copy of the trade log in application order.
func (l *Ledger) Trades() []model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Instruments returns the universe in sorted order.
func (l *Ledger) Instruments() []string {
	out := make([]string, len(l.instruments))
	copy(out, l.instruments)
	return out
}

// MarginUsed is derived: Σ short_shares × short_cost_basis × margin_requirement.
func MarginUsed(p model.Portfolio) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(shortMargin(pos, p.MarginRequirement))
	}
	return total
}

func (l *Ledger) marginUsedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(shortMargin(*pos, l.marginReq))
	}
	return total
}

func shortMargin(pos model.Position, req decimal.Decimal) decimal.Decimal {
	if pos.ShortShares == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(pos.ShortShares).Mul(pos.ShortCostBasis).Mul(req)
}

func average(total decimal.Decimal, shares int64) decimal.Decimal {
	if shares == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(shares))
}

// closedCost is the share of total attributable to qty of held shares.
// Closing everything returns total itself, so no rounding residue survives.
func closedCost(total decimal.Decimal, qty, held int64) decimal.Decimal {
	if qty >= held {
		return total
	}
	return total.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(held))
}
