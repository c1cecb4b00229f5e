package livetrading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amirphl/mexc-bracket/internal/exchange"
	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/amirphl/mexc-bracket/internal/utils"
)

// StatusSource answers order status queries.
type StatusSource interface {
	GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Order, error)
}

type ReconcilerStorage interface {
	order.OrderManager
	journal.Journaler
}

// Reconciler periodically re-queries stored open orders and records their
// exchange status, so orders left behind by a previous run are accounted for.
type Reconciler struct {
	storage  ReconcilerStorage
	ex       StatusSource
	interval time.Duration
	logger   *slog.Logger
}

func NewReconciler(storage ReconcilerStorage, ex StatusSource, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{storage: storage, ex: ex, interval: interval, logger: utils.Component(logger, "reconciler")}
}

// Run checks open orders every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Starting order status checker", "interval", r.interval)
	if _, err := r.CheckOnce(ctx); err != nil {
		r.logger.Warn("Order status check failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Order status checker stopped")
			return
		case <-ticker.C:
			if _, err := r.CheckOnce(ctx); err != nil {
				r.logger.Warn("Order status check failed", "error", err)
			}
		}
	}
}

// CheckOnce walks the stored open orders once and returns how many changed.
func (r *Reconciler) CheckOnce(ctx context.Context) (int, error) {
	orders, err := r.storage.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}
	r.logger.Debug("Checking status of open orders", "count", len(orders))

	changed := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		remote, err := r.ex.GetOrderStatus(ctx, o.Symbol, o.OrderID)
		if err != nil {
			if exchange.IsNotFound(err) {
				// MEXC drops old cancelled orders from its history.
				r.logger.Warn("Stored order unknown to exchange", "order_id", o.OrderID, "symbol", o.Symbol)
			} else {
				r.logger.Warn("Error fetching order status", "order_id", o.OrderID, "error", err)
			}
			continue
		}
		if remote.Status == o.Status && remote.FilledQty.Equal(o.FilledQty) {
			continue
		}
		if err := r.storage.UpdateOrderStatus(ctx, o.OrderID, remote.Status, remote.FilledQty, time.Now()); err != nil {
			r.logger.Warn("Failed to update order", "order_id", o.OrderID, "error", err)
			continue
		}
		changed++
		r.logger.Info("Order status changed", "order_id", o.OrderID, "from", o.Status, "to", remote.Status, "filled", remote.FilledQty)

		if remote.Status.IsTerminal() {
			e := journal.New(journal.TypeOrder, "", o.Symbol, "status_check_order_"+string(remote.Status), map[string]any{
				"order_id":        o.OrderID,
				"client_order_id": o.ClientOrderID,
				"role":            string(order.RoleOf(o.ClientOrderID)),
				"filled":          remote.FilledQty.String(),
			})
			if err := r.storage.LogEvent(ctx, e); err != nil {
				r.logger.Warn("Failed to log event", "order_id", o.OrderID, "error", err)
			}
		}
	}
	return changed, nil
}
