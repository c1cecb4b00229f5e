package market

import (
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// Quantity converts a quote-currency amount into a base quantity that is a
// multiple of the lot step and satisfies the minimum notional at price.
//
//	qty = floor(quote / (price * step)) * step
//
// The result is deterministic for identical inputs.
func Quantity(rule SymbolRule, quoteAmount, referencePrice decimal.Decimal) (decimal.Decimal, error) {
	if err := rule.Validate(); err != nil {
		return decimal.Zero, err
	}
	if !quoteAmount.IsPositive() {
		return decimal.Zero, order.NewValidationError(order.MalformedInput, "quote amount must be positive, got %s", quoteAmount)
	}
	if !referencePrice.IsPositive() {
		return decimal.Zero, order.NewValidationError(order.MalformedInput, "reference price must be positive, got %s", referencePrice)
	}

	// QuoRem truncates exactly; Div rounds to DivisionPrecision first
	steps, _ := quoteAmount.QuoRem(referencePrice.Mul(rule.StepSize), 0)
	qty := steps.Mul(rule.StepSize)

	if err := CheckNotional(rule, qty, referencePrice); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// CheckNotional verifies qty is a positive multiple of the lot step and that
// qty*price reaches the minimum notional.
func CheckNotional(rule SymbolRule, qty, price decimal.Decimal) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if !qty.Mod(rule.StepSize).IsZero() {
		return order.NewValidationError(order.MalformedInput, "%s: quantity %s is not a multiple of step %s", rule.Symbol, qty, rule.StepSize)
	}
	notional := qty.Mul(price)
	if notional.LessThan(rule.MinNotional) {
		return order.NewValidationError(order.NotionalTooSmall, "%s: notional %s (qty %s @ %s) below minimum %s",
			rule.Symbol, notional, qty, price, rule.MinNotional)
	}
	if rule.MinQty.IsPositive() && qty.LessThan(rule.MinQty) {
		return order.NewValidationError(order.NotionalTooSmall, "%s: quantity %s below minimum %s", rule.Symbol, qty, rule.MinQty)
	}
	if rule.MaxQty.IsPositive() && qty.GreaterThan(rule.MaxQty) {
		return order.NewValidationError(order.MalformedInput, "%s: quantity %s above maximum %s", rule.Symbol, qty, rule.MaxQty)
	}
	return nil
}
