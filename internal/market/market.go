// Package market
package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Balance represents an asset balance from an exchange
type Balance struct {
	Asset  string          `json:"asset"`  // Asset symbol (e.g., "BTC", "USDT")
	Free   decimal.Decimal `json:"free"`   // Available balance for trading
	Locked decimal.Decimal `json:"locked"` // Balance locked in orders
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

// Account is the account view needed for permission checks and status.
type Account struct {
	AccountType string
	CanTrade    bool
	CanWithdraw bool
	CanDeposit  bool
	Balances    []Balance
}

// Balance returns the balance of asset, or a zero balance.
func (a Account) Balance(asset string) Balance {
	for _, b := range a.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b
		}
	}
	return Balance{Asset: strings.ToUpper(asset)}
}

// NonZeroBalances drops empty assets.
func (a Account) NonZeroBalances() []Balance {
	out := make([]Balance, 0, len(a.Balances))
	for _, b := range a.Balances {
		if !b.Total().IsZero() {
			out = append(out, b)
		}
	}
	return out
}
