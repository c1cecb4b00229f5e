package db

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder(id string, status order.Status) order.Order {
	return order.Order{
		OrderID:       id,
		ClientOrderID: "entry-" + id,
		Symbol:        "BTCUSDT",
		Side:          order.Buy,
		Type:          order.Limit,
		Price:         decimal.RequireFromString("44000"),
		Quantity:      decimal.RequireFromString("0.002"),
		Status:        status,
	}
}

func sampleBracket(id, state string) Bracket {
	return Bracket{
		PositionID:  id,
		Symbol:      "BTCUSDT",
		Side:        "BUY",
		Mode:        "sequential",
		State:       state,
		EntryPrice:  decimal.RequireFromString("44000"),
		StopLoss:    decimal.RequireFromString("43000"),
		TakeProfit:  decimal.RequireFromString("46000"),
		QuoteAmount: decimal.RequireFromString("100"),
		Quantity:    decimal.RequireFromString("0.002"),
	}
}

var _ Storage = (*MemoryStorage)(nil)
var _ Storage = (*Default)(nil)

func TestMemoryOrders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveOrder(ctx, sampleOrder("1", order.StatusNew)))
	require.NoError(t, m.SaveOrder(ctx, sampleOrder("2", order.StatusPartiallyFilled)))
	require.NoError(t, m.SaveOrder(ctx, sampleOrder("3", order.StatusCanceled)))

	open, err := m.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, m.UpdateOrderStatus(ctx, "2", order.StatusFilled, decimal.RequireFromString("0.002"), time.Now()))
	got, err := m.GetOrder(ctx, "2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("0.002")))

	open, err = m.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1", open[0].OrderID)

	assert.Error(t, m.UpdateOrderStatus(ctx, "nope", order.StatusFilled, decimal.Zero, time.Now()))
	missing, err := m.GetOrder(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryEventsWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	for i, typ := range []string{journal.TypeOrder, journal.TypeCritical, journal.TypeOrder} {
		e := journal.New(typ, "pos", "BTCUSDT", "e", nil)
		e.Time = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.LogEvent(ctx, e))
	}

	got, err := m.GetEvents(ctx, journal.TypeOrder, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 1, "end is exclusive")

	got, err = m.GetEvents(ctx, journal.TypeOrder, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryBrackets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveBracket(ctx, sampleBracket("a", "PENDING_ENTRY")))
	require.NoError(t, m.SaveBracket(ctx, sampleBracket("b", "FAILED")))
	first, err := m.GetBracket(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, first)

	b := sampleBracket("a", "CANCELLED")
	require.NoError(t, m.SaveBracket(ctx, b))
	got, err := m.GetBracket(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", got.State)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)

	active, err := m.GetActiveBrackets(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
