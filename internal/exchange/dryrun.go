package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const paperPrefix = "dry-"

// PaperBook answers order-mutating requests in dry-run mode. Entry orders
// fill on their first status query; protective orders rest until Fill or
// cancel.
type PaperBook struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	byClient map[string]string
	now      func() time.Time
}

func NewPaperBook() *PaperBook {
	return &PaperBook{
		orders:   make(map[string]*order.Order),
		byClient: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Owns reports whether id was issued by a paper book.
func Owns(orderID string) bool { return strings.HasPrefix(orderID, paperPrefix) }

// intercept handles ep locally when it must not reach the network.
func (p *PaperBook) intercept(ep Endpoint, params url.Values) (json.RawMessage, bool, error) {
	switch ep {
	case EndpointPlaceOrder:
		body, err := p.place(params)
		return body, true, err
	case EndpointCancelOrder:
		body, err := p.cancel(params)
		return body, true, err
	case EndpointQueryOrder:
		if !Owns(params.Get("orderId")) && params.Get("orderId") != "" {
			return nil, false, nil
		}
		body, err := p.query(params)
		return body, true, err
	}
	if ep.Mutating {
		return nil, true, fmt.Errorf("dry-run: %s has no paper implementation", ep.Name)
	}
	return nil, false, nil
}

func (p *PaperBook) place(params url.Values) (json.RawMessage, error) {
	now := p.now()
	o := &order.Order{
		OrderID:       paperPrefix + uuid.NewString(),
		ClientOrderID: params.Get("newClientOrderId"),
		Symbol:        params.Get("symbol"),
		Side:          order.Side(params.Get("side")),
		Type:          order.Type(params.Get("type")),
		Price:         paramDecimal(params, "price"),
		StopPrice:     paramDecimal(params, "stopPrice"),
		Quantity:      paramDecimal(params, "quantity"),
		Status:        order.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	p.mu.Lock()
	p.orders[o.OrderID] = o
	if o.ClientOrderID != "" {
		p.byClient[o.ClientOrderID] = o.OrderID
	}
	w := fromOrder(*o)
	p.mu.Unlock()

	return json.Marshal(w)
}

func (p *PaperBook) cancel(params url.Values) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.lookupLocked(params)
	if !ok {
		return nil, &RejectedError{Status: 400, Code: codeOrderNotExist, Message: "Order does not exist."}
	}
	if o.Status.IsTerminal() {
		return nil, &RejectedError{Status: 400, Code: codeUnknownOrder, Message: "Unknown order sent."}
	}
	o.Status = order.StatusCanceled
	o.UpdatedAt = p.now()
	return json.Marshal(fromOrder(*o))
}

func (p *PaperBook) query(params url.Values) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.lookupLocked(params)
	if !ok {
		return nil, &RejectedError{Status: 400, Code: codeOrderNotExist, Message: "Order does not exist."}
	}
	if order.RoleOf(o.ClientOrderID) == order.RoleEntry && o.Status == order.StatusNew {
		p.fillLocked(o, o.Quantity)
	}
	return json.Marshal(fromOrder(*o))
}

func (p *PaperBook) lookupLocked(params url.Values) (*order.Order, bool) {
	if id := params.Get("orderId"); id != "" {
		o, ok := p.orders[id]
		return o, ok
	}
	if id, ok := p.byClient[params.Get("origClientOrderId")]; ok {
		o, ok := p.orders[id]
		return o, ok
	}
	return nil, false
}

// Fill simulates an execution of qty on a resting paper order.
func (p *PaperBook) Fill(orderID string, qty decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper order %s not found", orderID)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("paper order %s already %s", orderID, o.Status)
	}
	p.fillLocked(o, qty)
	return nil
}

func (p *PaperBook) fillLocked(o *order.Order, qty decimal.Decimal) {
	o.FilledQty = decimal.Min(o.Quantity, o.FilledQty.Add(qty))
	if o.FilledQty.Equal(o.Quantity) {
		o.Status = order.StatusFilled
	} else {
		o.Status = order.StatusPartiallyFilled
	}
	o.UpdatedAt = p.now()
}

// Open returns resting paper orders for symbol (all symbols if empty).
func (p *PaperBook) Open(symbol string) []order.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []order.Order
	for _, o := range p.orders {
		if o.Status.IsOpen() && (symbol == "" || strings.EqualFold(o.Symbol, symbol)) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func paramDecimal(params url.Values, key string) decimal.Decimal {
	d, err := decimal.NewFromString(params.Get(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
