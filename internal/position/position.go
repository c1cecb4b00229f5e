package position

import (
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// Position is the derived view of one bracket run: its three orders and
// their aggregate state. It exists only as long as the controller does.
type Position struct {
	Symbol     string
	State      State
	Entry      order.Order
	StopLoss   order.Order
	TakeProfit order.Order
}

func (r Result) Position() Position {
	return Position{
		Symbol:     r.Symbol,
		State:      r.State,
		Entry:      r.Entry,
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
	}
}

// OpenOrders returns the orders that were placed and may still execute.
func (p Position) OpenOrders() []order.Order {
	var out []order.Order
	for _, o := range []order.Order{p.Entry, p.StopLoss, p.TakeProfit} {
		if o.OrderID != "" && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// Exposure is the base quantity still held: the entry fill less what the
// exits executed.
func (p Position) Exposure() decimal.Decimal {
	e := p.Entry.FilledQty.Sub(p.StopLoss.FilledQty).Sub(p.TakeProfit.FilledQty)
	if e.IsNegative() {
		return decimal.Zero
	}
	return e
}
