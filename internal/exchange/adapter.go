// Package exchange adapter
package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// flexDecimal accepts quoted, bare, empty and null numbers.
type flexDecimal struct{ decimal.Decimal }

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		f.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("decimal %q: %w", s, err)
	}
	f.Decimal = d
	return nil
}

func flex(d decimal.Decimal) flexDecimal { return flexDecimal{d} }

// flexString accepts strings and numbers (order ids, symbol status).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseAPIError(body []byte) apiError {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Msg == "") {
		e.Msg = strings.TrimSpace(string(body))
	}
	return e
}

type wireOrder struct {
	Symbol              string      `json:"symbol"`
	OrderID             flexString  `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId,omitempty"`
	Price               flexDecimal `json:"price"`
	StopPrice           flexDecimal `json:"stopPrice"`
	OrigQty             flexDecimal `json:"origQty"`
	ExecutedQty         flexDecimal `json:"executedQty"`
	CummulativeQuoteQty flexDecimal `json:"cummulativeQuoteQty"`
	Status              string      `json:"status,omitempty"`
	TimeInForce         string      `json:"timeInForce,omitempty"`
	Type                string      `json:"type"`
	Side                string      `json:"side"`
	Time                int64       `json:"time,omitempty"`
	UpdateTime          int64       `json:"updateTime,omitempty"`
	TransactTime        int64       `json:"transactTime,omitempty"`
}

func (w wireOrder) toOrder() order.Order {
	status := order.StatusNew
	if w.Status != "" {
		status = order.ParseStatus(w.Status)
	}
	created := firstTime(w.Time, w.TransactTime)
	updated := firstTime(w.UpdateTime, w.TransactTime, w.Time)
	return order.Order{
		OrderID:       string(w.OrderID),
		ClientOrderID: w.ClientOrderID,
		Symbol:        w.Symbol,
		Side:          order.Side(strings.ToUpper(w.Side)),
		Type:          order.Type(strings.ToUpper(w.Type)),
		Price:         w.Price.Decimal,
		StopPrice:     w.StopPrice.Decimal,
		Quantity:      w.OrigQty.Decimal,
		FilledQty:     w.ExecutedQty.Decimal,
		Status:        status,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}
}

func fromOrder(o order.Order) wireOrder {
	return wireOrder{
		Symbol:              o.Symbol,
		OrderID:             flexString(o.OrderID),
		ClientOrderID:       o.ClientOrderID,
		Price:               flex(o.Price),
		StopPrice:           flex(o.StopPrice),
		OrigQty:             flex(o.Quantity),
		ExecutedQty:         flex(o.FilledQty),
		CummulativeQuoteQty: flex(o.FilledQty.Mul(o.Price)),
		Status:              string(o.Status),
		Type:                string(o.Type),
		Side:                string(o.Side),
		Time:                o.CreatedAt.UnixMilli(),
		UpdateTime:          o.UpdatedAt.UnixMilli(),
	}
}

func firstTime(ms ...int64) time.Time {
	for _, v := range ms {
		if v > 0 {
			return time.UnixMilli(v).UTC()
		}
	}
	return time.Time{}
}

type wireFilter struct {
	FilterType  string      `json:"filterType"`
	TickSize    flexDecimal `json:"tickSize"`
	StepSize    flexDecimal `json:"stepSize"`
	MinQty      flexDecimal `json:"minQty"`
	MaxQty      flexDecimal `json:"maxQty"`
	MinNotional flexDecimal `json:"minNotional"`
}

type wireSymbol struct {
	Symbol               string       `json:"symbol"`
	Status               flexString   `json:"status"`
	BaseAsset            string       `json:"baseAsset"`
	QuoteAsset           string       `json:"quoteAsset"`
	BaseAssetPrecision   int32        `json:"baseAssetPrecision"`
	QuotePrecision       int32        `json:"quotePrecision"`
	QuoteAssetPrecision  int32        `json:"quoteAssetPrecision"`
	BaseSizePrecision    flexDecimal  `json:"baseSizePrecision"`
	QuoteAmountPrecision flexDecimal  `json:"quoteAmountPrecision"`
	MaxQuoteAmount       flexDecimal  `json:"maxQuoteAmount"`
	IsSpotTradingAllowed bool         `json:"isSpotTradingAllowed"`
	Filters              []wireFilter `json:"filters"`
}

// toRule maps exchange info onto a SymbolRule. Explicit filters win over
// the symbol level precision fields.
func (w wireSymbol) toRule() market.SymbolRule {
	r := market.SymbolRule{
		Symbol:             w.Symbol,
		BaseAsset:          w.BaseAsset,
		QuoteAsset:         w.QuoteAsset,
		Status:             string(w.Status),
		SpotAllowed:        w.IsSpotTradingAllowed,
		MinQty:             w.BaseSizePrecision.Decimal,
		MinNotional:        w.QuoteAmountPrecision.Decimal,
		MaxNotional:        w.MaxQuoteAmount.Decimal,
		BaseAssetPrecision: w.BaseAssetPrecision,
		QuotePrecision:     w.QuotePrecision,
	}
	if r.QuotePrecision == 0 {
		r.QuotePrecision = w.QuoteAssetPrecision
	}
	r.StepSize = decimal.New(1, -r.BaseAssetPrecision)
	r.TickSize = decimal.New(1, -r.QuotePrecision)

	for _, f := range w.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if f.StepSize.IsPositive() {
				r.StepSize = f.StepSize.Decimal
			}
			if f.MinQty.IsPositive() {
				r.MinQty = f.MinQty.Decimal
			}
			if f.MaxQty.IsPositive() {
				r.MaxQty = f.MaxQty.Decimal
			}
		case "PRICE_FILTER":
			if f.TickSize.IsPositive() {
				r.TickSize = f.TickSize.Decimal
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if f.MinNotional.IsPositive() {
				r.MinNotional = f.MinNotional.Decimal
			}
		}
	}
	return r
}

type wireBalance struct {
	Asset  string      `json:"asset"`
	Free   flexDecimal `json:"free"`
	Locked flexDecimal `json:"locked"`
}

type wireAccount struct {
	AccountType string        `json:"accountType"`
	CanTrade    bool          `json:"canTrade"`
	CanWithdraw bool          `json:"canWithdraw"`
	CanDeposit  bool          `json:"canDeposit"`
	Balances    []wireBalance `json:"balances"`
}

func (w wireAccount) toAccount() market.Account {
	a := market.Account{
		AccountType: w.AccountType,
		CanTrade:    w.CanTrade,
		CanWithdraw: w.CanWithdraw,
		CanDeposit:  w.CanDeposit,
		Balances:    make([]market.Balance, 0, len(w.Balances)),
	}
	for _, b := range w.Balances {
		a.Balances = append(a.Balances, market.Balance{Asset: b.Asset, Free: b.Free.Decimal, Locked: b.Locked.Decimal})
	}
	return a
}
