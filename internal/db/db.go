// Package db
package db

import (
	"context"
	"time"

	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	order.OrderManager
	journal.Journaler
	BracketStore
	InTransaction(ctx context.Context, fn func(context.Context) error) error
	Close() error
}

// Bracket is the persisted summary of one bracket lifecycle.
type Bracket struct {
	PositionID        string
	Symbol            string
	Side              string
	Mode              string
	State             string
	EntryPrice        decimal.Decimal
	StopLoss          decimal.Decimal
	TakeProfit        decimal.Decimal
	QuoteAmount       decimal.Decimal
	Quantity          decimal.Decimal
	Filled            decimal.Decimal
	EntryOrderID      string
	StopLossOrderID   string
	TakeProfitOrderID string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the bracket may still hold orders on the exchange.
func (b Bracket) Active() bool {
	switch b.State {
	case "CLOSED", "CANCELLED", "FAILED":
		return false
	}
	return true
}

type BracketStore interface {
	SaveBracket(ctx context.Context, b Bracket) error
	GetBracket(ctx context.Context, positionID string) (*Bracket, error)
	GetActiveBrackets(ctx context.Context) ([]Bracket, error)
}

var terminalStatuses = []string{
	string(order.StatusFilled),
	string(order.StatusCanceled),
	string(order.StatusRejected),
	string(order.StatusExpired),
}
