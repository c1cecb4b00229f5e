package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/amirphl/mexc-bracket/internal/order"
)

// RuleSource fetches symbol rules from the exchange. With no symbols it
// returns every listed symbol.
type RuleSource interface {
	ExchangeInfo(ctx context.Context, symbols ...string) ([]SymbolRule, error)
}

// RuleCache fetches a symbol's rule once and serves it from memory until
// Refresh is called.
type RuleCache struct {
	src RuleSource

	mu    sync.RWMutex
	rules map[string]SymbolRule
}

func NewRuleCache(src RuleSource) *RuleCache {
	return &RuleCache{src: src, rules: make(map[string]SymbolRule)}
}

// Get returns the cached rule, fetching it on first use.
func (c *RuleCache) Get(ctx context.Context, symbol string) (SymbolRule, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.RLock()
	r, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}
	return c.Refresh(ctx, symbol)
}

// Refresh always goes to the exchange and replaces the cached entry.
func (c *RuleCache) Refresh(ctx context.Context, symbol string) (SymbolRule, error) {
	symbol = strings.ToUpper(symbol)
	rules, err := c.src.ExchangeInfo(ctx, symbol)
	if err != nil {
		return SymbolRule{}, fmt.Errorf("fetch rule for %s: %w", symbol, err)
	}
	for _, r := range rules {
		if strings.EqualFold(r.Symbol, symbol) {
			c.Put(r)
			return r, nil
		}
	}
	return SymbolRule{}, order.NewValidationError(order.SymbolNotTradable, "%s: symbol not listed", symbol)
}

// Validate refreshes the rule and checks that the symbol is tradable through
// the API with a complete rule.
func (c *RuleCache) Validate(ctx context.Context, symbol string) (SymbolRule, error) {
	r, err := c.Refresh(ctx, symbol)
	if err != nil {
		return SymbolRule{}, err
	}
	if !r.Tradable() {
		return r, order.NewValidationError(order.SymbolNotTradable, "%s: status %q, spot api allowed %v", r.Symbol, r.Status, r.SpotAllowed)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

// Put stores r, overwriting any cached entry.
func (c *RuleCache) Put(r SymbolRule) {
	c.mu.Lock()
	c.rules[strings.ToUpper(r.Symbol)] = r
	c.mu.Unlock()
}

// Cached returns the rule without fetching.
func (c *RuleCache) Cached(symbol string) (SymbolRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[strings.ToUpper(symbol)]
	return r, ok
}
