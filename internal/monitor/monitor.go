// Package monitor polls order state and emulates one-cancels-other for a
// stop-loss/take-profit pair.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amirphl/mexc-bracket/internal/exchange"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/amirphl/mexc-bracket/internal/utils"
	"github.com/cenkalti/backoff/v5"
)

// OrderSource is the part of the exchange the monitor needs.
type OrderSource interface {
	GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (order.Order, error)
}

// Snapshot is an order as observed at ObservedAt.
type Snapshot struct {
	order.Order
	ObservedAt time.Time
}

type Config struct {
	Interval               time.Duration // default poll interval
	QueryRetries           int           // attempts per query before MonitoringError
	RetryBackoff           time.Duration
	MaxConsecutiveFailures int // MonitoringErrors tolerated in a watch loop
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.QueryRetries <= 0 {
		c.QueryRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
}

type Monitor struct {
	src    OrderSource
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(src OrderSource, cfg Config, logger *slog.Logger) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		src:    src,
		cfg:    cfg,
		logger: utils.Component(logger, "monitor"),
		now:    time.Now,
	}
}

func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Poll queries the order once, retrying transient failures with backoff.
func (m *Monitor) Poll(ctx context.Context, symbol, orderID string) (Snapshot, error) {
	bo := m.backoff()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.QueryRetries; attempt++ {
		o, err := m.src.GetOrderStatus(ctx, symbol, orderID)
		if err == nil {
			return Snapshot{Order: o, ObservedAt: m.now()}, nil
		}
		if ctx.Err() != nil {
			return Snapshot{}, ctx.Err()
		}
		if !exchange.IsTransient(err) {
			return Snapshot{}, fmt.Errorf("query order %s: %w", orderID, err)
		}
		lastErr = err
		m.logger.Debug("Order query failed, retrying", "order_id", orderID, "attempt", attempt, "error", err)
		if attempt < m.cfg.QueryRetries {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return Snapshot{}, err
			}
		}
	}
	return Snapshot{}, &MonitoringError{OrderID: orderID, Attempts: m.cfg.QueryRetries, Err: lastErr}
}

// WatchUntilTerminal polls until the order is FILLED, CANCELED, REJECTED or
// EXPIRED. A non-positive interval uses the configured one; a non-positive
// timeout waits until ctx is done.
func (m *Monitor) WatchUntilTerminal(ctx context.Context, symbol, orderID string, interval, timeout time.Duration) (Snapshot, error) {
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	wctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	var last Snapshot
	failures := 0
	for {
		snap, err := m.Poll(wctx, symbol, orderID)
		switch {
		case err == nil:
			failures = 0
			if last.Status != snap.Status || !last.FilledQty.Equal(snap.FilledQty) {
				m.logger.Debug("Order state observed", "order_id", orderID, "from", last.Status, "to", snap.Status, "filled", snap.FilledQty)
			}
			last = snap
			if snap.Status.IsTerminal() {
				return snap, nil
			}
		case IsMonitoring(err):
			failures++
			m.logger.Warn("Order monitoring degraded", "order_id", orderID, "consecutive_failures", failures, "error", err)
			if failures >= m.cfg.MaxConsecutiveFailures {
				return last, err
			}
		case wctx.Err() != nil:
			// handled below
		default:
			return last, err
		}

		if err := sleep(wctx, interval); err != nil || wctx.Err() != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, &TimeoutError{OrderID: orderID, Timeout: timeout, Last: last}
		}
	}
}

// Leg names a protective order of a pair.
type Leg string

const (
	StopLoss   Leg = "stop_loss"
	TakeProfit Leg = "take_profit"
)

// Other returns the sibling leg.
func (l Leg) Other() Leg {
	if l == StopLoss {
		return TakeProfit
	}
	return StopLoss
}

// PairEvent says why WatchPair returned.
type PairEvent int

const (
	// LegFilled means Trigger has a non-zero fill and Other none.
	LegFilled PairEvent = iota
	// LegEnded means Trigger reached a terminal state without any fill.
	LegEnded
	// BothFilled means both legs report fills. It must never happen.
	BothFilled
)

func (e PairEvent) String() string {
	switch e {
	case LegFilled:
		return "leg_filled"
	case LegEnded:
		return "leg_ended"
	case BothFilled:
		return "both_filled"
	}
	return "unknown"
}

// PairOutcome is the result of WatchPair.
type PairOutcome struct {
	Event      PairEvent
	TriggerLeg Leg
	Trigger    Snapshot
	Other      Snapshot
}

// WatchPair polls a stop-loss/take-profit pair until one leg fills (fully or
// partially) or ends without fill.
func (m *Monitor) WatchPair(ctx context.Context, symbol, stopLossID, takeProfitID string, interval, timeout time.Duration) (PairOutcome, error) {
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	wctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	var sl, tp Snapshot
	failures := 0
	for {
		var err error
		sl, tp, err = m.pollPair(wctx, symbol, stopLossID, takeProfitID, sl, tp)
		switch {
		case err == nil:
			failures = 0
			if out, done := pairOutcome(sl, tp); done {
				return out, nil
			}
		case IsMonitoring(err):
			failures++
			m.logger.Warn("Pair monitoring degraded", "stop_loss_id", stopLossID, "take_profit_id", takeProfitID,
				"consecutive_failures", failures, "error", err)
			if failures >= m.cfg.MaxConsecutiveFailures {
				return PairOutcome{Trigger: sl, Other: tp}, err
			}
		case wctx.Err() != nil:
		default:
			return PairOutcome{Trigger: sl, Other: tp}, err
		}

		if err := sleep(wctx, interval); err != nil || wctx.Err() != nil {
			if ctx.Err() != nil {
				return PairOutcome{Trigger: sl, Other: tp}, ctx.Err()
			}
			return PairOutcome{Trigger: sl, Other: tp}, &TimeoutError{OrderID: stopLossID + "/" + takeProfitID, Timeout: timeout, Last: sl}
		}
	}
}

func (m *Monitor) pollPair(ctx context.Context, symbol, slID, tpID string, sl, tp Snapshot) (Snapshot, Snapshot, error) {
	s, err := m.Poll(ctx, symbol, slID)
	if err != nil {
		return sl, tp, err
	}
	t, err := m.Poll(ctx, symbol, tpID)
	if err != nil {
		return s, tp, err
	}
	return s, t, nil
}

func pairOutcome(sl, tp Snapshot) (PairOutcome, bool) {
	switch {
	case sl.HasFill() && tp.HasFill():
		return PairOutcome{Event: BothFilled, TriggerLeg: TakeProfit, Trigger: tp, Other: sl}, true
	case tp.HasFill():
		return PairOutcome{Event: LegFilled, TriggerLeg: TakeProfit, Trigger: tp, Other: sl}, true
	case sl.HasFill():
		return PairOutcome{Event: LegFilled, TriggerLeg: StopLoss, Trigger: sl, Other: tp}, true
	case tp.Status.IsTerminal():
		return PairOutcome{Event: LegEnded, TriggerLeg: TakeProfit, Trigger: tp, Other: sl}, true
	case sl.Status.IsTerminal():
		return PairOutcome{Event: LegEnded, TriggerLeg: StopLoss, Trigger: sl, Other: tp}, true
	}
	return PairOutcome{}, false
}

// Cancel cancels an order and returns its final state. "Not found", "unknown
// order" and "already filled or canceled" answers count as success.
func (m *Monitor) Cancel(ctx context.Context, symbol, orderID string) (Snapshot, error) {
	bo := m.backoff()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.QueryRetries; attempt++ {
		o, err := m.src.CancelOrder(ctx, symbol, orderID)
		switch {
		case err == nil:
			m.logger.Info("Order cancelled", "order_id", orderID, "status", o.Status, "filled", o.FilledQty)
			return Snapshot{Order: o, ObservedAt: m.now()}, nil
		case exchange.IsNotFound(err):
			m.logger.Info("Order already gone, cancel treated as done", "order_id", orderID)
			return m.finalState(ctx, symbol, orderID)
		case ctx.Err() != nil:
			return Snapshot{}, ctx.Err()
		case !exchange.IsTransient(err):
			return Snapshot{}, fmt.Errorf("cancel order %s: %w", orderID, err)
		}
		lastErr = err
		if attempt < m.cfg.QueryRetries {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return Snapshot{}, err
			}
		}
	}
	return Snapshot{}, &MonitoringError{OrderID: orderID, Attempts: m.cfg.QueryRetries, Err: lastErr}
}

// CancelSibling cancels siblingID after filledID filled. Repeated calls are
// safe.
func (m *Monitor) CancelSibling(ctx context.Context, symbol, filledID, siblingID string) (Snapshot, error) {
	m.logger.Info("Cancelling sibling order", "filled_order_id", filledID, "sibling_order_id", siblingID)
	snap, err := m.Cancel(ctx, symbol, siblingID)
	if err != nil {
		return snap, fmt.Errorf("cancel sibling of %s: %w", filledID, err)
	}
	return snap, nil
}

// finalState queries an order the exchange refused to cancel. An order the
// exchange no longer knows is reported as CANCELED without fill.
func (m *Monitor) finalState(ctx context.Context, symbol, orderID string) (Snapshot, error) {
	snap, err := m.Poll(ctx, symbol, orderID)
	if err == nil {
		return snap, nil
	}
	if exchange.IsNotFound(err) {
		return Snapshot{
			Order:      order.Order{OrderID: orderID, Symbol: symbol, Status: order.StatusCanceled},
			ObservedAt: m.now(),
		}, nil
	}
	return snap, err
}

func (m *Monitor) backoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryBackoff
	bo.MaxInterval = 20 * m.cfg.RetryBackoff
	bo.RandomizationFactor = 0.5
	bo.Reset()
	return bo
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
