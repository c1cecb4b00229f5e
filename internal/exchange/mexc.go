package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

func (c *Client) Name() string {
	if c.dryRun {
		return "mexc-dry-run"
	}
	return "mexc"
}

// PlaceOrder validates req locally and submits it.
func (c *Client) PlaceOrder(ctx context.Context, req order.Request) (order.Order, error) {
	if err := validateRequest(req); err != nil {
		return order.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.Type != order.Market {
		params.Set("price", req.Price.String())
	}
	if req.Type == order.StopLimit {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.Execute(ctx, EndpointPlaceOrder, params)
	if err != nil {
		return order.Order{}, fmt.Errorf("place %s %s %s: %w", req.Side, req.Type, req.Symbol, err)
	}
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return order.Order{}, fmt.Errorf("decode order ack: %w", err)
	}
	o := w.toOrder()

	// the ack omits fields the request already carries
	if o.Symbol == "" {
		o.Symbol = strings.ToUpper(req.Symbol)
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = req.ClientOrderID
	}
	if o.Side == "" {
		o.Side = req.Side
	}
	if o.Type == "" {
		o.Type = req.Type
	}
	if o.Quantity.IsZero() {
		o.Quantity = req.Quantity
	}
	if o.Price.IsZero() {
		o.Price = req.Price
	}
	if o.StopPrice.IsZero() {
		o.StopPrice = req.StopPrice
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = c.now().UTC()
		o.UpdatedAt = o.CreatedAt
	}

	c.logger.Info("Order placed", "order_id", o.OrderID, "client_order_id", o.ClientOrderID, "symbol", o.Symbol,
		"side", o.Side, "type", o.Type, "price", o.Price, "stop_price", o.StopPrice, "quantity", o.Quantity, "dry_run", c.dryRun)
	return o, nil
}

// CancelOrder cancels one order. Unknown orders surface as a RejectedError
// for which IsNotFound is true.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (order.Order, error) {
	if symbol == "" || orderID == "" {
		return order.Order{}, order.NewValidationError(order.MalformedInput, "cancel needs symbol and order id")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)

	body, err := c.Execute(ctx, EndpointCancelOrder, params)
	if err != nil {
		return order.Order{}, fmt.Errorf("cancel %s %s: %w", symbol, orderID, err)
	}
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return order.Order{}, fmt.Errorf("decode cancel response: %w", err)
	}
	o := w.toOrder()
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	if w.Status == "" {
		o.Status = order.StatusCanceled
	}
	c.logger.Info("Order cancelled", "order_id", orderID, "symbol", symbol, "status", o.Status, "dry_run", c.dryRun)
	return o, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Order, error) {
	if symbol == "" || orderID == "" {
		return order.Order{}, order.NewValidationError(order.MalformedInput, "query needs symbol and order id")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)

	body, err := c.Execute(ctx, EndpointQueryOrder, params)
	if err != nil {
		return order.Order{}, fmt.Errorf("query %s %s: %w", symbol, orderID, err)
	}
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return order.Order{}, fmt.Errorf("decode order: %w", err)
	}
	o := w.toOrder()
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	return o, nil
}

// OpenOrders lists open orders for symbol, or all symbols when empty. In
// dry-run resting paper orders are included.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]order.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := c.Execute(ctx, EndpointOpenOrders, params)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	var ws []wireOrder
	if err := json.Unmarshal(body, &ws); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]order.Order, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.toOrder())
	}
	if c.dryRun {
		out = append(out, c.paper.Open(symbol)...)
	}
	return out, nil
}

func (c *Client) Account(ctx context.Context) (market.Account, error) {
	body, err := c.Execute(ctx, EndpointAccount, nil)
	if err != nil {
		return market.Account{}, fmt.Errorf("account: %w", err)
	}
	var w wireAccount
	if err := json.Unmarshal(body, &w); err != nil {
		return market.Account{}, fmt.Errorf("decode account: %w", err)
	}
	return w.toAccount(), nil
}

// ExchangeInfo returns the rules for symbols, or for every listed symbol.
func (c *Client) ExchangeInfo(ctx context.Context, symbols ...string) ([]market.SymbolRule, error) {
	params := url.Values{}
	switch len(symbols) {
	case 0:
	case 1:
		params.Set("symbol", strings.ToUpper(symbols[0]))
	default:
		up := make([]string, len(symbols))
		for i, s := range symbols {
			up[i] = strings.ToUpper(s)
		}
		params.Set("symbols", strings.Join(up, ","))
	}

	body, err := c.Execute(ctx, EndpointExchangeInfo, params)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	var resp struct {
		Symbols []wireSymbol `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	rules := make([]market.SymbolRule, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		rules = append(rules, s.toRule())
	}
	return rules, nil
}

// ServerTime queries exchange time and resynchronises the signing clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	return c.syncServerTime(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Execute(ctx, EndpointPing, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.Execute(ctx, EndpointTickerPrice, params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	var resp struct {
		Symbol string      `json:"symbol"`
		Price  flexDecimal `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	return resp.Price.Decimal, nil
}

func validateRequest(req order.Request) error {
	switch {
	case strings.TrimSpace(req.Symbol) == "":
		return order.NewValidationError(order.MalformedInput, "symbol is required")
	case !req.Side.Valid():
		return order.NewValidationError(order.MalformedInput, "invalid side %q", req.Side)
	case !req.Quantity.IsPositive():
		return order.NewValidationError(order.MalformedInput, "quantity must be positive, got %s", req.Quantity)
	}
	switch req.Type {
	case order.Market:
	case order.Limit:
		if !req.Price.IsPositive() {
			return order.NewValidationError(order.MalformedInput, "limit price must be positive, got %s", req.Price)
		}
	case order.StopLimit:
		if !req.Price.IsPositive() || !req.StopPrice.IsPositive() {
			return order.NewValidationError(order.MalformedInput, "stop-limit needs positive price and stop price")
		}
	default:
		return order.NewValidationError(order.MalformedInput, "unsupported order type %q", req.Type)
	}
	return nil
}
