package market

import (
	"sort"
	"strings"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// SymbolRule holds the exchange trading rules for one symbol.
type SymbolRule struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	Status      string
	SpotAllowed bool

	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal

	BaseAssetPrecision int32
	QuotePrecision     int32
}

// Validate fails with InvalidSymbolRule when the rule has not been fetched.
func (r SymbolRule) Validate() error {
	if !r.StepSize.IsPositive() {
		return order.NewValidationError(order.InvalidSymbolRule, "%s: lot step missing or zero", r.Symbol)
	}
	if !r.MinNotional.IsPositive() {
		return order.NewValidationError(order.InvalidSymbolRule, "%s: minimum notional missing or zero", r.Symbol)
	}
	return nil
}

// Tradable reports whether the symbol accepts spot orders through the API.
func (r SymbolRule) Tradable() bool {
	if !r.SpotAllowed {
		return false
	}
	switch strings.ToUpper(r.Status) {
	case "TRADING", "ENABLED", "ACTIVE", "1":
		return true
	}
	return false
}

// FloorPrice floors p to the tick size. A zero tick leaves p unchanged.
func (r SymbolRule) FloorPrice(p decimal.Decimal) decimal.Decimal {
	return floorToStep(p, r.TickSize)
}

// FloorQuantity floors q to the lot step. A zero step leaves q unchanged.
func (r SymbolRule) FloorQuantity(q decimal.Decimal) decimal.Decimal {
	return floorToStep(q, r.StepSize)
}

// FormatPrice renders p with the decimals implied by the tick size.
func (r SymbolRule) FormatPrice(p decimal.Decimal) string {
	return p.StringFixed(stepPlaces(r.TickSize, r.QuotePrecision))
}

// FormatQuantity renders q with the decimals implied by the lot step.
func (r SymbolRule) FormatQuantity(q decimal.Decimal) string {
	return q.StringFixed(stepPlaces(r.StepSize, r.BaseAssetPrecision))
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	q, r := v.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// stepPlaces returns the number of decimals of step ("0.0010" -> 3).
func stepPlaces(step decimal.Decimal, fallback int32) int32 {
	if !step.IsPositive() {
		if fallback > 0 {
			return fallback
		}
		return 8
	}
	for p := int32(0); p <= 18; p++ {
		if step.Shift(p).IsInteger() {
			return p
		}
	}
	return 18
}

// FilterTradable returns tradable rules quoted in quote (any quote if empty),
// sorted by symbol.
func FilterTradable(rules []SymbolRule, quote string) []SymbolRule {
	out := make([]SymbolRule, 0, len(rules))
	for _, r := range rules {
		if !r.Tradable() {
			continue
		}
		if quote != "" && !strings.EqualFold(r.QuoteAsset, quote) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Search returns the symbols containing term, case-insensitively.
func Search(rules []SymbolRule, term string) []string {
	term = strings.ToUpper(strings.TrimSpace(term))
	var out []string
	for _, r := range rules {
		if term == "" || strings.Contains(strings.ToUpper(r.Symbol), term) {
			out = append(out, r.Symbol)
		}
	}
	sort.Strings(out)
	return out
}
