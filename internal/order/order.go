// Package order
package order

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Type is the exchange order type.
type Type string

const (
	Limit     Type = "LIMIT"
	Market    Type = "MARKET"
	StopLimit Type = "STOP_LOSS_LIMIT"
)

// Status is the exchange-reported order status.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// ParseStatus normalizes exchange spellings ("CANCELLED", "PARTIALLY_CANCELED").
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PARTIALLY_CANCELED", "PARTIALLY_CANCELLED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED":
		return StatusExpired
	default:
		return Status(strings.ToUpper(s))
	}
}

// IsTerminal reports whether no further fills can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order is still resting on the book.
func (s Status) IsOpen() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// Request represents a new order to be submitted.
type Request struct {
	Symbol        string
	Side          Side
	Type          Type
	Price         decimal.Decimal
	StopPrice     decimal.Decimal // For stop-limit orders
	Quantity      decimal.Decimal
	TimeInForce   string
	ClientOrderID string
}

// Order is an order as last reported by the exchange.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          Type
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the quantity still open on the book.
func (o Order) Remaining() decimal.Decimal {
	if o.Status.IsTerminal() {
		return decimal.Zero
	}
	r := o.Quantity.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// HasFill reports whether any quantity executed.
func (o Order) HasFill() bool { return o.FilledQty.IsPositive() }

// OrderManager persists orders for reconciliation against the exchange.
type OrderManager interface {
	SaveOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status Status, filledQty decimal.Decimal, updatedAt time.Time) error
}
