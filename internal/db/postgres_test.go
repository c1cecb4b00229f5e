package db

import (
	"context"
	"errors"
	"testing"
	"time"

	dbconf "github.com/amirphl/mexc-bracket/internal/db/conf"
	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/order"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *Default {
	t.Helper()
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	t.Cleanup(cleanup)

	p, err := New(*cfg)
	require.NoError(t, err)
	return p
}

func TestSchemaTablesExist(t *testing.T) {
	p := newTestPostgres(t)
	for _, table := range []string{"orders", "events", "brackets"} {
		var exists bool
		err := p.GetDB().QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}
}

func TestPostgresOrders(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	o := sampleOrder("1", order.StatusNew)
	require.NoError(t, p.SaveOrder(ctx, o))
	require.NoError(t, p.SaveOrder(ctx, sampleOrder("2", order.StatusFilled)))

	got, err := p.GetOrder(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.ClientOrderID, got.ClientOrderID)
	assert.True(t, got.Price.Equal(o.Price))
	assert.Equal(t, order.StatusNew, got.Status)

	open, err := p.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1", open[0].OrderID)

	require.NoError(t, p.UpdateOrderStatus(ctx, "1", order.StatusFilled, decimal.RequireFromString("0.002"), time.Now()))
	open, err = p.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.Error(t, p.UpdateOrderStatus(ctx, "missing", order.StatusFilled, decimal.Zero, time.Now()))

	missing, err := p.GetOrder(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresEvents(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	e := journal.New(journal.TypeTransition, "pos-1", "BTCUSDT", "PENDING_ENTRY -> ENTRY_FILLED", map[string]any{"reason": "filled"})
	e.Time = now
	require.NoError(t, p.LogEvent(ctx, e))

	events, err := p.GetEvents(ctx, journal.TypeTransition, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pos-1", events[0].PositionID)
	assert.Equal(t, "filled", events[0].Data["reason"])

	events, err = p.GetEvents(ctx, journal.TypeCritical, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPostgresInTransactionRollsBack(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := p.InTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, p.SaveOrder(ctx, sampleOrder("tx", order.StatusNew)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := p.GetOrder(ctx, "tx")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresBrackets(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	b := sampleBracket("pos-1", "PROTECTIVE_ACTIVE")
	require.NoError(t, p.SaveBracket(ctx, b))
	require.NoError(t, p.SaveBracket(ctx, sampleBracket("pos-2", "CLOSED")))

	active, err := p.GetActiveBrackets(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "pos-1", active[0].PositionID)

	b.State = "CLOSED"
	b.TakeProfitOrderID = "tp-9"
	require.NoError(t, p.SaveBracket(ctx, b))

	got, err := p.GetBracket(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "CLOSED", got.State)
	assert.Equal(t, "tp-9", got.TakeProfitOrderID)
	assert.True(t, got.StopLoss.Equal(b.StopLoss))
}
