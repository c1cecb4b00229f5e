package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/mexc-bracket/internal/exchange"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	o   order.Order
	err error
}

// scriptedSource replays per-order status scripts; the last step repeats.
type scriptedSource struct {
	mu        sync.Mutex
	scripts   map[string][]step
	cancels   map[string][]step
	queries   map[string]int
	cancelled []string
}

func newScripted() *scriptedSource {
	return &scriptedSource{scripts: map[string][]step{}, cancels: map[string][]step{}, queries: map[string]int{}}
}

func (s *scriptedSource) on(id string, steps ...step) { s.scripts[id] = steps }

func (s *scriptedSource) onCancel(id string, steps ...step) { s.cancels[id] = steps }

func next(steps []step, n int) step {
	if n >= len(steps) {
		return steps[len(steps)-1]
	}
	return steps[n]
}

func (s *scriptedSource) GetOrderStatus(_ context.Context, _, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.scripts[id]
	if !ok {
		return order.Order{}, &exchange.RejectedError{Status: 400, Code: -2013, Message: "Order does not exist."}
	}
	st := next(steps, s.queries[id])
	s.queries[id]++
	return st.o, st.err
}

func (s *scriptedSource) CancelOrder(_ context.Context, _, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	steps, ok := s.cancels[id]
	if !ok {
		return order.Order{OrderID: id, Status: order.StatusCanceled}, nil
	}
	n := 0
	for _, c := range s.cancelled {
		if c == id {
			n++
		}
	}
	st := next(steps, n-1)
	return st.o, st.err
}

func q(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ord(id string, status order.Status, filled string) order.Order {
	return order.Order{OrderID: id, Symbol: "BTCUSDT", Quantity: q("0.002"), FilledQty: q(filled), Status: status}
}

var transient = step{err: &exchange.TransientError{Status: 502, Err: errors.New("bad gateway")}}

func fastMonitor(src OrderSource) *Monitor {
	return New(src, Config{Interval: time.Millisecond, QueryRetries: 3, RetryBackoff: time.Millisecond, MaxConsecutiveFailures: 2}, nil)
}

func TestPollRetriesTransient(t *testing.T) {
	src := newScripted()
	src.on("1", transient, transient, step{o: ord("1", order.StatusNew, "0")})
	snap, err := fastMonitor(src).Poll(context.Background(), "BTCUSDT", "1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusNew, snap.Status)
	assert.Equal(t, 3, src.queries["1"])
}

func TestPollSurfacesMonitoringError(t *testing.T) {
	src := newScripted()
	src.on("1", transient)
	_, err := fastMonitor(src).Poll(context.Background(), "BTCUSDT", "1")
	var me *MonitoringError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 3, me.Attempts)
}

func TestWatchUntilTerminal(t *testing.T) {
	src := newScripted()
	src.on("1",
		step{o: ord("1", order.StatusNew, "0")},
		step{o: ord("1", order.StatusPartiallyFilled, "0.001")},
		step{o: ord("1", order.StatusFilled, "0.002")},
	)
	snap, err := fastMonitor(src).WatchUntilTerminal(context.Background(), "BTCUSDT", "1", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, snap.Status)
	assert.True(t, snap.FilledQty.Equal(q("0.002")))
}

func TestWatchUntilTerminalTimeout(t *testing.T) {
	src := newScripted()
	src.on("1", step{o: ord("1", order.StatusNew, "0")})
	_, err := fastMonitor(src).WatchUntilTerminal(context.Background(), "BTCUSDT", "1", time.Millisecond, 20*time.Millisecond)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, order.StatusNew, te.Last.Status)
}

func TestWatchUntilTerminalEscalatesMonitoringErrors(t *testing.T) {
	src := newScripted()
	src.on("1", transient)
	_, err := fastMonitor(src).WatchUntilTerminal(context.Background(), "BTCUSDT", "1", time.Millisecond, time.Second)
	assert.True(t, IsMonitoring(err))
	assert.Equal(t, 6, src.queries["1"], "two failed polls of three attempts")
}

func TestWatchUntilTerminalParentCancel(t *testing.T) {
	src := newScripted()
	src.on("1", step{o: ord("1", order.StatusNew, "0")})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := fastMonitor(src).WatchUntilTerminal(ctx, "BTCUSDT", "1", time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatchPairTakeProfitFills(t *testing.T) {
	src := newScripted()
	src.on("sl", step{o: ord("sl", order.StatusNew, "0")})
	src.on("tp", step{o: ord("tp", order.StatusNew, "0")}, step{o: ord("tp", order.StatusFilled, "0.002")})

	out, err := fastMonitor(src).WatchPair(context.Background(), "BTCUSDT", "sl", "tp", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LegFilled, out.Event)
	assert.Equal(t, TakeProfit, out.TriggerLeg)
	assert.Equal(t, "tp", out.Trigger.OrderID)
	assert.Equal(t, "sl", out.Other.OrderID)
}

func TestWatchPairPartialStopFill(t *testing.T) {
	src := newScripted()
	src.on("sl", step{o: ord("sl", order.StatusPartiallyFilled, "0.001")})
	src.on("tp", step{o: ord("tp", order.StatusNew, "0")})

	out, err := fastMonitor(src).WatchPair(context.Background(), "BTCUSDT", "sl", "tp", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LegFilled, out.Event)
	assert.Equal(t, StopLoss, out.TriggerLeg)
}

func TestWatchPairLegEndedWithoutFill(t *testing.T) {
	src := newScripted()
	src.on("sl", step{o: ord("sl", order.StatusExpired, "0")})
	src.on("tp", step{o: ord("tp", order.StatusNew, "0")})

	out, err := fastMonitor(src).WatchPair(context.Background(), "BTCUSDT", "sl", "tp", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LegEnded, out.Event)
	assert.Equal(t, StopLoss, out.TriggerLeg)
}

func TestWatchPairBothFilled(t *testing.T) {
	src := newScripted()
	src.on("sl", step{o: ord("sl", order.StatusFilled, "0.002")})
	src.on("tp", step{o: ord("tp", order.StatusFilled, "0.002")})

	out, err := fastMonitor(src).WatchPair(context.Background(), "BTCUSDT", "sl", "tp", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, BothFilled, out.Event)
}

func TestCancelSiblingIsIdempotent(t *testing.T) {
	src := newScripted()
	notFound := step{err: &exchange.RejectedError{Status: 400, Code: -2013, Message: "Order does not exist."}}
	src.onCancel("sl", step{o: ord("sl", order.StatusCanceled, "0")}, notFound)
	src.on("sl", step{o: ord("sl", order.StatusCanceled, "0")})

	m := fastMonitor(src)
	for i := 0; i < 3; i++ {
		snap, err := m.CancelSibling(context.Background(), "BTCUSDT", "tp", "sl")
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, order.StatusCanceled, snap.Status)
	}
	assert.Equal(t, []string{"sl", "sl", "sl"}, src.cancelled)
}

func TestCancelOrderUnknownEverywhere(t *testing.T) {
	src := newScripted()
	src.onCancel("gone", step{err: &exchange.RejectedError{Status: 400, Code: -2011, Message: "Unknown order sent."}})

	snap, err := fastMonitor(src).Cancel(context.Background(), "BTCUSDT", "gone")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCanceled, snap.Status)
	assert.True(t, snap.FilledQty.IsZero())
}

func TestCancelReportsFillRace(t *testing.T) {
	src := newScripted()
	src.onCancel("sl", step{err: &exchange.RejectedError{Status: 400, Code: -2011, Message: "Unknown order sent."}})
	src.on("sl", step{o: ord("sl", order.StatusFilled, "0.002")})

	snap, err := fastMonitor(src).Cancel(context.Background(), "BTCUSDT", "sl")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, snap.Status, "the final state is reported so the caller sees the race")
}

func TestCancelRejectedIsError(t *testing.T) {
	src := newScripted()
	src.onCancel("x", step{err: &exchange.AuthenticationError{Status: 401, Message: "nope"}})
	_, err := fastMonitor(src).Cancel(context.Background(), "BTCUSDT", "x")
	assert.True(t, exchange.IsAuthentication(err))
}
