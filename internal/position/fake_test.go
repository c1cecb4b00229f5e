package position

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/mexc-bracket/internal/exchange"
	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btcRule = market.SymbolRule{
	Symbol:      "BTCUSDT",
	BaseAsset:   "BTC",
	QuoteAsset:  "USDT",
	Status:      "1",
	SpotAllowed: true,
	TickSize:    d("0.01"),
	StepSize:    d("0.001"),
	MinQty:      d("0.001"),
	MinNotional: d("5"),
}

type staticRules struct {
	rule market.SymbolRule
	err  error
}

func (s staticRules) Get(context.Context, string) (market.SymbolRule, error) { return s.rule, s.err }

var (
	notFound  = &exchange.RejectedError{Status: 400, Code: -2011, Message: "Unknown order sent."}
	rejection = &exchange.RejectedError{Status: 400, Code: 30004, Message: "Insufficient position"}
)

// fakeExchange keeps orders in memory. advance is called on every status
// query and may mutate the order to script fills.
type fakeExchange struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*order.Order
	roles     map[string]order.Role
	queries   map[string]int
	gone      map[string]bool
	placed    []order.Request
	cancelled []string

	placeErr  map[order.Role]error
	cancelErr map[order.Role]error
	// fillOnCancel reports a fill for a role when it is cancelled
	fillOnCancel map[order.Role]decimal.Decimal
	advance      func(role order.Role, o *order.Order, n int)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders:       map[string]*order.Order{},
		roles:        map[string]order.Role{},
		queries:      map[string]int{},
		gone:         map[string]bool{},
		placeErr:     map[order.Role]error{},
		cancelErr:    map[order.Role]error{},
		fillOnCancel: map[order.Role]decimal.Decimal{},
	}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req order.Request) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := order.RoleOf(req.ClientOrderID)
	if err := f.placeErr[role]; err != nil {
		return order.Order{}, err
	}
	f.seq++
	f.placed = append(f.placed, req)
	o := &order.Order{
		OrderID:       fmt.Sprintf("%s-%d", role, f.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		Status:        order.StatusNew,
	}
	f.orders[o.OrderID] = o
	f.roles[o.OrderID] = role
	return *o, nil
}

func (f *fakeExchange) GetOrderStatus(_ context.Context, _, id string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || f.gone[id] {
		return order.Order{}, &exchange.RejectedError{Status: 400, Code: -2013, Message: "Order does not exist."}
	}
	n := f.queries[id]
	f.queries[id]++
	if f.advance != nil {
		f.advance(f.roles[id], o, n)
	}
	return *o, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, id string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	o, ok := f.orders[id]
	if !ok || f.gone[id] {
		return order.Order{}, notFound
	}
	role := f.roles[id]
	if err := f.cancelErr[role]; err != nil {
		if exchange.IsNotFound(err) {
			f.gone[id] = true
		}
		return order.Order{}, err
	}
	if o.Status.IsTerminal() {
		return order.Order{}, notFound
	}
	if q, ok := f.fillOnCancel[role]; ok {
		o.FilledQty = q
		o.Status = order.StatusFilled
		return *o, nil
	}
	o.Status = order.StatusCanceled
	return *o, nil
}

func (f *fakeExchange) placedRoles() []order.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]order.Role, len(f.placed))
	for i, r := range f.placed {
		out[i] = order.RoleOf(r.ClientOrderID)
	}
	return out
}

func (f *fakeExchange) requests() []order.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]order.Request(nil), f.placed...)
}

func (f *fakeExchange) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func fill(o *order.Order, qty string) {
	o.FilledQty = d(qty)
	if o.FilledQty.Equal(o.Quantity) {
		o.Status = order.StatusFilled
	} else {
		o.Status = order.StatusPartiallyFilled
	}
}

// mockStorage accepts every write unless a test registers its own
// expectations.
type mockStorage struct {
	mock.Mock
}

func newMockStorage() *mockStorage {
	s := &mockStorage{}
	s.On("SaveOrder", mock.Anything, mock.Anything).Return(nil).Maybe()
	s.On("LogEvent", mock.Anything, mock.Anything).Return(nil).Maybe()
	return s
}

func (s *mockStorage) SaveOrder(ctx context.Context, o order.Order) error {
	return s.Called(ctx, o).Error(0)
}

func (s *mockStorage) LogEvent(ctx context.Context, e journal.Event) error {
	return s.Called(ctx, e).Error(0)
}

// eventsOf returns the logged events of eventType. Only valid once Run
// returned.
func (s *mockStorage) eventsOf(eventType string) []journal.Event {
	var out []journal.Event
	for _, call := range s.Calls {
		if call.Method != "LogEvent" {
			continue
		}
		if e := call.Arguments.Get(1).(journal.Event); e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type mockNotifier struct {
	mock.Mock
}

func newMockNotifier() *mockNotifier {
	n := &mockNotifier{}
	n.On("SendWithRetry", mock.Anything, mock.Anything).Return(nil).Maybe()
	return n
}

func (n *mockNotifier) Send(ctx context.Context, msg string) error {
	return n.Called(ctx, msg).Error(0)
}

func (n *mockNotifier) SendWithRetry(ctx context.Context, msg string) error {
	return n.Called(ctx, msg).Error(0)
}

func (n *mockNotifier) assertAlerted(t *testing.T) {
	t.Helper()
	n.AssertCalled(t, "SendWithRetry", mock.Anything, mock.Anything)
}

func (n *mockNotifier) assertQuiet(t *testing.T) {
	t.Helper()
	n.AssertNotCalled(t, "SendWithRetry", mock.Anything, mock.Anything)
}

type switchGate struct {
	mu   sync.Mutex
	open bool
}

func (g *switchGate) Allowed(time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *switchGate) set(open bool) {
	g.mu.Lock()
	g.open = open
	g.mu.Unlock()
}
