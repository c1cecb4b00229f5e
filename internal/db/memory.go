package db

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
)

// MemoryStorage keeps everything in process memory. Used by dry runs and
// tests; nothing survives a restart.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by orderID
	orders map[string]order.Order

	// Events (append-only)
	events []journal.Event

	brackets map[string]Bracket
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders:   make(map[string]order.Order),
		events:   make([]journal.Event, 0, 1024),
		brackets: make(map[string]Bracket),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) Close() error { return nil }

// InTransaction runs fn directly; writes are not rolled back on error.
func (m *MemoryStorage) InTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// -------- Orders --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.orders[o.OrderID]; ok && o.CreatedAt.IsZero() {
		o.CreatedAt = prev.CreatedAt
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	m.orders[o.OrderID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		oo := o
		return &oo, nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if !slices.Contains(terminalStatuses, string(o.Status)) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty decimal.Decimal, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("no order found to update for ID %s", orderID)
	}
	o.Status = status
	o.FilledQty = filledQty
	o.UpdatedAt = updatedAt.UTC()
	m.orders[orderID] = o
	return nil
}

// -------- Events --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && !e.Time.Before(start) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// -------- Brackets --------

func (m *MemoryStorage) SaveBracket(ctx context.Context, b Bracket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.brackets[b.PositionID]; ok {
		b.CreatedAt = prev.CreatedAt
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.brackets[b.PositionID] = b
	return nil
}

func (m *MemoryStorage) GetBracket(ctx context.Context, positionID string) (*Bracket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.brackets[positionID]; ok {
		bb := b
		return &bb, nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetActiveBrackets(ctx context.Context) ([]Bracket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Bracket
	for _, b := range m.brackets {
		if b.Active() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
