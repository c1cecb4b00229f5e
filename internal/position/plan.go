package position

import (
	"strings"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// Mode controls when the protective orders are placed.
type Mode string

const (
	// Sequential places stop-loss and take-profit once the entry has filled.
	Sequential Mode = "sequential"
	// Simultaneous places all three orders up front.
	Simultaneous Mode = "simultaneous"
)

// Plan describes one bracket: a limit entry for QuoteAmount worth of Symbol
// at EntryPrice, protected by StopLoss and TakeProfit.
type Plan struct {
	Symbol      string
	Side        order.Side // entry side, BUY when empty
	EntryPrice  decimal.Decimal
	QuoteAmount decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	Mode        Mode
}

func (p Plan) entrySide() order.Side {
	if p.Side == "" {
		return order.Buy
	}
	return p.Side
}

// ExitSide is the side of both protective orders.
func (p Plan) ExitSide() order.Side { return p.entrySide().Opposite() }

// Validate checks the plan without touching the network. For a BUY entry
// stop < entry < take-profit; for a SELL entry the order is reversed.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return order.NewValidationError(order.MalformedPlan, "symbol is required")
	}
	if !p.entrySide().Valid() {
		return order.NewValidationError(order.MalformedPlan, "unknown side %q", p.Side)
	}
	switch p.Mode {
	case Sequential, Simultaneous:
	default:
		return order.NewValidationError(order.MalformedPlan, "unknown mode %q", p.Mode)
	}
	for name, v := range map[string]decimal.Decimal{
		"entry price":  p.EntryPrice,
		"quote amount": p.QuoteAmount,
		"stop-loss":    p.StopLoss,
		"take-profit":  p.TakeProfit,
	} {
		if !v.IsPositive() {
			return order.NewValidationError(order.MalformedPlan, "%s must be positive, got %s", name, v)
		}
	}

	if p.entrySide() == order.Buy {
		if !p.StopLoss.LessThan(p.EntryPrice) || !p.EntryPrice.LessThan(p.TakeProfit) {
			return order.NewValidationError(order.MalformedPlan,
				"buy bracket needs stop-loss < entry < take-profit, got %s / %s / %s", p.StopLoss, p.EntryPrice, p.TakeProfit)
		}
		return nil
	}
	if !p.TakeProfit.LessThan(p.EntryPrice) || !p.EntryPrice.LessThan(p.StopLoss) {
		return order.NewValidationError(order.MalformedPlan,
			"sell bracket needs take-profit < entry < stop-loss, got %s / %s / %s", p.TakeProfit, p.EntryPrice, p.StopLoss)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// PlanFromPercent derives stop-loss and take-profit from percentages of the
// entry price.
func PlanFromPercent(symbol string, side order.Side, entry, quote, stopPct, takePct decimal.Decimal, mode Mode) (Plan, error) {
	if !stopPct.IsPositive() || !takePct.IsPositive() || stopPct.GreaterThanOrEqual(hundred) {
		return Plan{}, order.NewValidationError(order.MalformedPlan,
			"percentages must be in (0, 100), got stop %s take %s", stopPct, takePct)
	}
	down := decimal.NewFromInt(1).Sub(stopPct.Div(hundred))
	up := decimal.NewFromInt(1).Add(takePct.Div(hundred))

	p := Plan{Symbol: symbol, Side: side, EntryPrice: entry, QuoteAmount: quote, Mode: mode}
	if p.entrySide() == order.Buy {
		p.StopLoss = entry.Mul(down)
		p.TakeProfit = entry.Mul(up)
	} else {
		p.StopLoss = entry.Mul(decimal.NewFromInt(1).Add(stopPct.Div(hundred)))
		p.TakeProfit = entry.Mul(decimal.NewFromInt(1).Sub(takePct.Div(hundred)))
	}
	return p, p.Validate()
}
