// Package exchange
package exchange

import (
	"context"
	"time"

	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// Exchange is the full set of operations the engine consumes.
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req order.Request) (order.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (order.Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]order.Order, error)
	Account(ctx context.Context) (market.Account, error)
	ExchangeInfo(ctx context.Context, symbols ...string) ([]market.SymbolRule, error)
	ServerTime(ctx context.Context) (time.Time, error)
	Ping(ctx context.Context) error
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

var _ Exchange = (*Client)(nil)
