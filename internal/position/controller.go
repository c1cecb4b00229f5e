// Package position drives one bracket (entry, stop-loss, take-profit) through
// its lifecycle on the exchange.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/monitor"
	"github.com/amirphl/mexc-bracket/internal/notifier"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/amirphl/mexc-bracket/internal/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrOutsideWindow leaves the controller in PENDING_ENTRY; the caller may
	// run it again once the gate opens.
	ErrOutsideWindow = errors.New("outside trading window")
	ErrCancelled     = errors.New("bracket cancelled")
	ErrRunning       = errors.New("bracket is already running")
	ErrStarted       = errors.New("bracket already started")
)

// Exchange is the part of the exchange client a bracket drives.
type Exchange interface {
	PlaceOrder(ctx context.Context, req order.Request) (order.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (order.Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (order.Order, error)
}

type RuleSource interface {
	Get(ctx context.Context, symbol string) (market.SymbolRule, error)
}

type Gate interface {
	Allowed(now time.Time) bool
}

// Storage persists orders and journal events for reconciliation.
type Storage interface {
	SaveOrder(ctx context.Context, o order.Order) error
	LogEvent(ctx context.Context, event journal.Event) error
}

// transactor is implemented by storages that can group writes.
type transactor interface {
	InTransaction(ctx context.Context, fn func(context.Context) error) error
}

// Observer receives lifecycle counters.
type Observer interface {
	ObserveTransition(from, to string)
	ObserveOrder(action string, role order.Role)
}

type Config struct {
	PollInterval      time.Duration
	EntryTimeout      time.Duration // zero waits until cancelled
	PositionTimeout   time.Duration // zero waits until cancelled
	StopLimitSlippage decimal.Decimal
	ShutdownTimeout   time.Duration // bound on cancels issued after ctx is done
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StopLimitSlippage.IsZero() {
		c.StopLimitSlippage = decimal.RequireFromString("0.001")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// Deps are the collaborators of a Controller. Exchange and Rules are
// required; the rest is optional.
type Deps struct {
	Exchange Exchange
	Rules    RuleSource
	Monitor  *monitor.Monitor
	Gate     Gate
	Limiter  *DailyLimiter
	Storage  Storage
	Notifier notifier.Notifier
	Observer Observer
	Logger   *slog.Logger
}

// Result is what a bracket run ended with. Orders carry their last known
// state even when Err is set.
type Result struct {
	PositionID string
	Symbol     string
	State      State
	Quantity   decimal.Decimal // size requested on entry
	Filled     decimal.Decimal // entry fill, the size of the protective orders
	Entry      order.Order
	StopLoss   order.Order
	TakeProfit order.Order
	ExitLeg    monitor.Leg
	History    []Transition
	Err        error
}

type Controller struct {
	id      string
	plan    Plan
	cfg     Config
	ex      Exchange
	rules   RuleSource
	mon     *monitor.Monitor
	gate    Gate
	limiter *DailyLimiter
	storage Storage
	notify  notifier.Notifier
	obs     Observer
	logger  *slog.Logger
	sm      *machine
	now     func() time.Time

	mu              sync.Mutex
	running         bool
	started         bool
	cancelRequested bool
	cancel          context.CancelFunc
	quantity        decimal.Decimal
	filled          decimal.Decimal
	entry, sl, tp   order.Order
	exitLeg         monitor.Leg
}

// protectedPrices are the plan prices floored to the tick size.
type protectedPrices struct {
	entry, stop, stopLimit, take decimal.Decimal
}

func New(plan Plan, cfg Config, deps Deps) (*Controller, error) {
	if deps.Exchange == nil || deps.Rules == nil {
		return nil, errors.New("position: exchange and rule source are required")
	}
	cfg.setDefaults()
	if plan.Side == "" {
		plan.Side = order.Buy
	}
	id := uuid.NewString()
	logger := utils.Component(deps.Logger, "bracket").With("position_id", id, "symbol", plan.Symbol)

	mon := deps.Monitor
	if mon == nil {
		mon = monitor.New(deps.Exchange, monitor.Config{Interval: cfg.PollInterval}, deps.Logger)
	}
	notify := deps.Notifier
	if notify == nil {
		notify = notifier.Nop{}
	}
	return &Controller{
		id:      id,
		plan:    plan,
		cfg:     cfg,
		ex:      deps.Exchange,
		rules:   deps.Rules,
		mon:     mon,
		gate:    deps.Gate,
		limiter: deps.Limiter,
		storage: deps.Storage,
		notify:  notify,
		obs:     deps.Observer,
		logger:  logger,
		sm:      newMachine(time.Now),
		now:     time.Now,
	}, nil
}

func (c *Controller) ID() string   { return c.id }
func (c *Controller) Plan() Plan   { return c.plan }
func (c *Controller) State() State { return c.sm.State() }

// Cancel requests cancellation. A running bracket cancels its outstanding
// orders; one not started yet ends CANCELLED on its next Run.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRequested = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Snapshot returns the current result without waiting for Run.
func (c *Controller) Snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		PositionID: c.id,
		Symbol:     c.plan.Symbol,
		State:      c.sm.State(),
		Quantity:   c.quantity,
		Filled:     c.filled,
		Entry:      c.entry,
		StopLoss:   c.sl,
		TakeProfit: c.tp,
		ExitLeg:    c.exitLeg,
		History:    c.sm.History(),
	}
}

// Run drives the bracket until it reaches a terminal state, times out in
// PROTECTIVE_ACTIVE, or the trading window is closed.
func (c *Controller) Run(ctx context.Context) Result {
	c.mu.Lock()
	switch {
	case c.running:
		c.mu.Unlock()
		return c.result(ErrRunning)
	case c.started, c.sm.State().Terminal():
		c.mu.Unlock()
		return c.result(ErrStarted)
	}
	if c.cancelRequested {
		c.mu.Unlock()
		c.transition(ctx, Cancelled, "cancelled before start")
		return c.result(ErrCancelled)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	return c.result(c.run(ctx))
}

func (c *Controller) result(err error) Result {
	r := c.Snapshot()
	r.Err = err
	return r
}

func (c *Controller) run(ctx context.Context) error {
	p := c.plan
	if err := p.Validate(); err != nil {
		return c.fail(ctx, "invalid plan", err)
	}
	if c.gate != nil && !c.gate.Allowed(c.now()) {
		c.logger.Info("Outside trading window, entry deferred")
		return ErrOutsideWindow
	}
	if err := c.limiter.Reserve(c.now()); err != nil {
		c.logger.Warn("Bracket refused", "error", err)
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	rule, err := c.rules.Get(ctx, p.Symbol)
	if err != nil {
		return c.fail(ctx, "symbol rules unavailable", err)
	}
	if !rule.Tradable() {
		return c.fail(ctx, "symbol not tradable",
			order.NewValidationError(order.SymbolNotTradable, "%s status %q spot=%t", rule.Symbol, rule.Status, rule.SpotAllowed))
	}
	qty, err := market.Quantity(rule, p.QuoteAmount, p.EntryPrice)
	if err != nil {
		return c.fail(ctx, "quantity rejected", err)
	}
	px := c.prices(rule)
	if err := c.checkProtective(rule, qty, px); err != nil {
		return c.fail(ctx, "protective orders would be rejected", err)
	}
	c.mu.Lock()
	c.quantity = qty
	c.mu.Unlock()

	c.logger.Info("Starting bracket", "mode", p.Mode, "side", p.Side, "quantity", qty, "entry", px.entry,
		"stop_loss", px.stop, "stop_limit", px.stopLimit, "take_profit", px.take)

	entry, err := c.place(ctx, order.RoleEntry, order.Request{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Type:        order.Limit,
		Price:       px.entry,
		Quantity:    qty,
		TimeInForce: "GTC",
	})
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Warn("Entry placement interrupted, the order may have reached the exchange", "error", err)
			c.transition(ctx, Cancelled, "cancelled during entry placement")
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return c.fail(ctx, "entry placement failed", err)
	}

	var armedSL, armedTP order.Order
	if p.Mode == Simultaneous {
		armedSL, armedTP, err = c.placeProtective(ctx, qty, px)
		if err != nil {
			c.cancelAll(ctx, entry, armedSL, armedTP)
			return c.fail(ctx, "protective placement failed", err)
		}
	}

	filled, err := c.awaitEntry(ctx, entry, armedSL, armedTP)
	if err != nil {
		return err
	}
	return c.protectAndWatch(ctx, rule, px, filled, armedSL, armedTP)
}

// awaitEntry returns the filled entry quantity, or an error once the bracket
// reached CANCELLED or FAILED.
func (c *Controller) awaitEntry(ctx context.Context, entry, armedSL, armedTP order.Order) (decimal.Decimal, error) {
	snap, err := c.mon.WatchUntilTerminal(ctx, c.plan.Symbol, entry.OrderID, c.cfg.PollInterval, c.cfg.EntryTimeout)
	if snap.OrderID != "" {
		c.setOrder(ctx, order.RoleEntry, snap.Order)
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		dctx, cancel := c.detached(ctx)
		defer cancel()
		final := c.cancelOrCritical(dctx, order.RoleEntry, entry)
		c.cancelAll(dctx, order.Order{}, armedSL, armedTP)
		if final.HasFill() {
			c.logger.Warn("Entry partially filled before cancellation, position left unprotected", "filled", final.FilledQty)
		}
		c.transition(ctx, Cancelled, "cancel requested while waiting for entry")
		return decimal.Zero, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	case monitor.IsTimeout(err):
		c.logger.Warn("Entry not filled in time, cancelling", "timeout", c.cfg.EntryTimeout)
		final, cerr := c.cancelOrder(ctx, order.RoleEntry, entry)
		if cerr != nil {
			c.critical(ctx, "Entry order left open and unmanaged", "order_id", entry.OrderID, "error", cerr)
			c.cancelAll(ctx, order.Order{}, armedSL, armedTP)
			return decimal.Zero, c.fail(ctx, "entry cancel failed", cerr)
		}
		if final.HasFill() {
			c.logger.Info("Entry partially filled at timeout, protecting the filled size", "filled", final.FilledQty)
			return final.FilledQty, nil
		}
		c.cancelAll(ctx, order.Order{}, armedSL, armedTP)
		c.transition(ctx, Cancelled, "entry timeout")
		return decimal.Zero, err
	default:
		dctx, cancel := c.detached(ctx)
		defer cancel()
		c.cancelAll(dctx, entry, armedSL, armedTP)
		return decimal.Zero, c.fail(ctx, "entry monitoring failed", err)
	}

	switch {
	case snap.Status == order.StatusFilled:
		filled := snap.FilledQty
		if !filled.IsPositive() {
			filled = entry.Quantity
		}
		return filled, nil
	case snap.HasFill():
		c.logger.Warn("Entry ended partially filled", "status", snap.Status, "filled", snap.FilledQty)
		return snap.FilledQty, nil
	case snap.Status == order.StatusRejected:
		c.cancelAll(ctx, order.Order{}, armedSL, armedTP)
		return decimal.Zero, c.fail(ctx, "entry rejected", fmt.Errorf("entry %s rejected by exchange", entry.OrderID))
	default:
		c.cancelAll(ctx, order.Order{}, armedSL, armedTP)
		reason := fmt.Sprintf("entry %s without fill", snap.Status)
		c.transition(ctx, Cancelled, reason)
		return decimal.Zero, fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
}

func (c *Controller) protectAndWatch(ctx context.Context, rule market.SymbolRule, px protectedPrices, filled decimal.Decimal, armedSL, armedTP order.Order) error {
	size := rule.FloorQuantity(filled)
	c.mu.Lock()
	c.filled = size
	c.mu.Unlock()
	if !c.transition(ctx, EntryFilled, "entry filled "+size.String()) {
		return c.fail(ctx, "state machine", errors.New("entry filled outside PENDING_ENTRY"))
	}

	if err := c.checkProtective(rule, size, px); err != nil {
		c.cancelAll(ctx, order.Order{}, armedSL, armedTP)
		c.critical(ctx, "Filled entry cannot be protected", "filled", size, "error", err)
		return c.fail(ctx, "filled size below exchange minimums", err)
	}

	sl, tp, err := c.ensureProtective(ctx, size, px, armedSL, armedTP)
	if err != nil {
		c.critical(ctx, "Position left without full protection", "filled", size,
			"stop_loss_id", sl.OrderID, "take_profit_id", tp.OrderID, "error", err)
		return c.fail(ctx, "protective placement failed", err)
	}
	if !c.transition(ctx, ProtectiveActive, "stop-loss "+sl.OrderID+" take-profit "+tp.OrderID) {
		return c.fail(ctx, "state machine", errors.New("protective orders outside ENTRY_FILLED"))
	}
	return c.watchExit(ctx, sl, tp)
}

// ensureProtective returns a resting stop-loss/take-profit pair sized to
// size. Armed orders of another size are cancelled and placed again.
func (c *Controller) ensureProtective(ctx context.Context, size decimal.Decimal, px protectedPrices, armedSL, armedTP order.Order) (order.Order, order.Order, error) {
	if armedSL.OrderID != "" && armedTP.OrderID != "" {
		if armedSL.Quantity.Equal(size) && armedTP.Quantity.Equal(size) {
			return c.confirmArmed(ctx, armedSL, armedTP)
		}
		c.logger.Info("Resizing armed protective orders to the filled size", "armed", armedSL.Quantity, "filled", size)
		for _, leg := range []struct {
			role order.Role
			o    order.Order
		}{{order.RoleStopLoss, armedSL}, {order.RoleTakeProfit, armedTP}} {
			final, err := c.cancelOrder(ctx, leg.role, leg.o)
			if err != nil {
				return armedSL, armedTP, fmt.Errorf("cancel armed %s: %w", leg.role, err)
			}
			if final.HasFill() {
				return armedSL, armedTP, fmt.Errorf("armed %s %s filled %s before resizing", leg.role, leg.o.OrderID, final.FilledQty)
			}
		}
	}
	return c.placeProtective(ctx, size, px)
}

func (c *Controller) confirmArmed(ctx context.Context, sl, tp order.Order) (order.Order, order.Order, error) {
	for _, leg := range []struct {
		role order.Role
		o    *order.Order
	}{{order.RoleStopLoss, &sl}, {order.RoleTakeProfit, &tp}} {
		snap, err := c.mon.Poll(ctx, c.plan.Symbol, leg.o.OrderID)
		if err != nil {
			return sl, tp, fmt.Errorf("confirm %s: %w", leg.role, err)
		}
		c.setOrder(ctx, leg.role, snap.Order)
		*leg.o = snap.Order
		if snap.Status.IsTerminal() && !snap.HasFill() {
			return sl, tp, fmt.Errorf("armed %s %s is %s", leg.role, snap.OrderID, snap.Status)
		}
	}
	return sl, tp, nil
}

func (c *Controller) placeProtective(ctx context.Context, qty decimal.Decimal, px protectedPrices) (order.Order, order.Order, error) {
	exit := c.plan.ExitSide()
	sl, err := c.place(ctx, order.RoleStopLoss, order.Request{
		Symbol:      c.plan.Symbol,
		Side:        exit,
		Type:        order.StopLimit,
		Price:       px.stopLimit,
		StopPrice:   px.stop,
		Quantity:    qty,
		TimeInForce: "GTC",
	})
	if err != nil {
		return order.Order{}, order.Order{}, fmt.Errorf("stop-loss: %w", err)
	}
	tp, err := c.place(ctx, order.RoleTakeProfit, order.Request{
		Symbol:      c.plan.Symbol,
		Side:        exit,
		Type:        order.Limit,
		Price:       px.take,
		Quantity:    qty,
		TimeInForce: "GTC",
	})
	if err != nil {
		return sl, order.Order{}, fmt.Errorf("take-profit: %w", err)
	}
	return sl, tp, nil
}

func (c *Controller) watchExit(ctx context.Context, sl, tp order.Order) error {
	out, err := c.mon.WatchPair(ctx, c.plan.Symbol, sl.OrderID, tp.OrderID, c.cfg.PollInterval, c.cfg.PositionTimeout)
	c.recordPair(ctx, out)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		dctx, cancel := c.detached(ctx)
		defer cancel()
		fsl := c.cancelOrCritical(dctx, order.RoleStopLoss, sl)
		ftp := c.cancelOrCritical(dctx, order.RoleTakeProfit, tp)
		if fsl.HasFill() || ftp.HasFill() {
			c.logger.Warn("Protective order filled while cancelling", "stop_loss_filled", fsl.FilledQty, "take_profit_filled", ftp.FilledQty)
		}
		c.transition(ctx, Cancelled, "cancel requested with protection active")
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	case monitor.IsTimeout(err):
		c.logger.Warn("Position still open at timeout, protective orders left resting",
			"stop_loss_id", sl.OrderID, "take_profit_id", tp.OrderID, "timeout", c.cfg.PositionTimeout)
		return err
	default:
		c.critical(ctx, "Protective orders left open and unmanaged", "stop_loss_id", sl.OrderID, "take_profit_id", tp.OrderID, "error", err)
		return c.fail(ctx, "protective monitoring failed", err)
	}

	switch out.Event {
	case monitor.BothFilled:
		c.critical(ctx, "Both protective orders filled", "stop_loss_filled", out.Other.FilledQty, "take_profit_filled", out.Trigger.FilledQty)
		return c.fail(ctx, "both legs filled", errors.New("stop-loss and take-profit both filled"))
	case monitor.LegEnded:
		other := c.legOrder(out.TriggerLeg.Other(), sl, tp)
		if _, cerr := c.mon.CancelSibling(ctx, c.plan.Symbol, out.Trigger.OrderID, other.OrderID); cerr != nil {
			c.critical(ctx, "Sibling order left open and unmanaged", "order_id", other.OrderID, "error", cerr)
		}
		c.critical(ctx, "Protective order ended without fill, position unprotected",
			"leg", out.TriggerLeg, "order_id", out.Trigger.OrderID, "status", out.Trigger.Status)
		return c.fail(ctx, "protective order ended", fmt.Errorf("%s %s ended %s without fill", out.TriggerLeg, out.Trigger.OrderID, out.Trigger.Status))
	}

	trigger := out.Trigger
	other := c.legOrder(out.TriggerLeg.Other(), sl, tp)
	final, err := c.mon.CancelSibling(ctx, c.plan.Symbol, trigger.OrderID, other.OrderID)
	if err != nil {
		c.critical(ctx, "Sibling order left open and unmanaged", "order_id", other.OrderID, "error", err)
		return c.fail(ctx, "sibling cancel failed", err)
	}
	c.setOrder(ctx, roleOf(out.TriggerLeg.Other()), final.Order)
	c.observeOrder("cancelled", roleOf(out.TriggerLeg.Other()))
	if final.HasFill() {
		c.critical(ctx, "Both protective orders filled", "filled_order_id", trigger.OrderID, "sibling_order_id", other.OrderID,
			"sibling_filled", final.FilledQty)
		return c.fail(ctx, "both legs filled", fmt.Errorf("sibling %s filled %s", other.OrderID, final.FilledQty))
	}

	if !trigger.Status.IsTerminal() {
		c.logger.Info("Exit partially filled, waiting for the rest", "leg", out.TriggerLeg, "filled", trigger.FilledQty)
		snap, werr := c.mon.WatchUntilTerminal(ctx, c.plan.Symbol, trigger.OrderID, c.cfg.PollInterval, c.cfg.PositionTimeout)
		if snap.OrderID != "" {
			c.setOrder(ctx, roleOf(out.TriggerLeg), snap.Order)
		}
		switch {
		case werr == nil:
		case ctx.Err() != nil:
			dctx, cancel := c.detached(ctx)
			defer cancel()
			c.cancelOrCritical(dctx, roleOf(out.TriggerLeg), trigger.Order)
			c.transition(ctx, Cancelled, "cancel requested during partial exit")
			return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		case monitor.IsTimeout(werr):
			c.logger.Warn("Exit still partially filled at timeout", "order_id", trigger.OrderID)
			return werr
		default:
			c.critical(ctx, "Exit order left open and unmanaged", "order_id", trigger.OrderID, "error", werr)
			return c.fail(ctx, "exit monitoring failed", werr)
		}
	}

	c.mu.Lock()
	c.exitLeg = out.TriggerLeg
	c.mu.Unlock()
	c.transition(ctx, Closed, string(out.TriggerLeg)+" filled")
	return nil
}

func (c *Controller) recordPair(ctx context.Context, out monitor.PairOutcome) {
	if out.Trigger.OrderID == "" {
		return
	}
	if out.TriggerLeg == "" {
		return
	}
	c.setOrder(ctx, roleOf(out.TriggerLeg), out.Trigger.Order)
	if out.Other.OrderID != "" {
		c.setOrder(ctx, roleOf(out.TriggerLeg.Other()), out.Other.Order)
	}
}

func (c *Controller) legOrder(leg monitor.Leg, sl, tp order.Order) order.Order {
	if leg == monitor.StopLoss {
		return sl
	}
	return tp
}

func roleOf(leg monitor.Leg) order.Role {
	if leg == monitor.StopLoss {
		return order.RoleStopLoss
	}
	return order.RoleTakeProfit
}

func (c *Controller) prices(rule market.SymbolRule) protectedPrices {
	one := decimal.NewFromInt(1)
	limit := c.plan.StopLoss.Mul(one.Sub(c.cfg.StopLimitSlippage))
	if c.plan.ExitSide() == order.Buy {
		limit = c.plan.StopLoss.Mul(one.Add(c.cfg.StopLimitSlippage))
	}
	return protectedPrices{
		entry:     rule.FloorPrice(c.plan.EntryPrice),
		stop:      rule.FloorPrice(c.plan.StopLoss),
		stopLimit: rule.FloorPrice(limit),
		take:      rule.FloorPrice(c.plan.TakeProfit),
	}
}

func (c *Controller) checkProtective(rule market.SymbolRule, qty decimal.Decimal, px protectedPrices) error {
	if err := market.CheckNotional(rule, qty, px.stopLimit); err != nil {
		return fmt.Errorf("stop-loss: %w", err)
	}
	if err := market.CheckNotional(rule, qty, px.take); err != nil {
		return fmt.Errorf("take-profit: %w", err)
	}
	return nil
}

func (c *Controller) place(ctx context.Context, role order.Role, req order.Request) (order.Order, error) {
	req.ClientOrderID = order.NewClientOrderID(role)
	o, err := c.ex.PlaceOrder(ctx, req)
	if err != nil {
		c.logger.Error("Order placement failed", "role", role, "client_order_id", req.ClientOrderID, "error", err)
		c.event(ctx, journal.TypeError, "place "+string(role)+" failed", map[string]any{
			"client_order_id": req.ClientOrderID, "error": err.Error(),
		})
		return order.Order{}, err
	}
	c.observeOrder("placed", role)
	c.setOrder(ctx, role, o)
	c.event(ctx, journal.TypeOrder, "placed "+string(role), map[string]any{
		"order_id": o.OrderID, "client_order_id": o.ClientOrderID, "side": string(o.Side), "type": string(o.Type),
		"price": o.Price.String(), "stop_price": o.StopPrice.String(), "quantity": o.Quantity.String(),
	})
	c.logger.Info("Order placed", "role", role, "order_id", o.OrderID, "side", o.Side, "type", o.Type,
		"price", o.Price, "stop_price", o.StopPrice, "quantity", o.Quantity)
	return o, nil
}

func (c *Controller) cancelOrder(ctx context.Context, role order.Role, o order.Order) (order.Order, error) {
	snap, err := c.mon.Cancel(ctx, c.plan.Symbol, o.OrderID)
	if err != nil {
		return o, err
	}
	c.observeOrder("cancelled", role)
	c.setOrder(ctx, role, snap.Order)
	return snap.Order, nil
}

// cancelOrCritical cancels o and logs CRITICAL when it cannot.
func (c *Controller) cancelOrCritical(ctx context.Context, role order.Role, o order.Order) order.Order {
	if o.OrderID == "" {
		return o
	}
	if ctx.Err() != nil {
		dctx, cancel := c.detached(ctx)
		defer cancel()
		ctx = dctx
	}
	final, err := c.cancelOrder(ctx, role, o)
	if err != nil {
		c.critical(ctx, "Order left open and unmanaged", "role", role, "order_id", o.OrderID, "error", err)
	}
	return final
}

func (c *Controller) cancelAll(ctx context.Context, entry, sl, tp order.Order) {
	c.cancelOrCritical(ctx, order.RoleEntry, entry)
	c.cancelOrCritical(ctx, order.RoleStopLoss, sl)
	c.cancelOrCritical(ctx, order.RoleTakeProfit, tp)
}

// detached returns a bounded context that survives cancellation of ctx so
// outstanding orders can still be cancelled on shutdown.
func (c *Controller) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
}

func (c *Controller) setOrder(ctx context.Context, role order.Role, o order.Order) {
	c.mu.Lock()
	switch role {
	case order.RoleEntry:
		c.entry = o
	case order.RoleStopLoss:
		c.sl = o
	case order.RoleTakeProfit:
		c.tp = o
	}
	c.mu.Unlock()
	c.persist(ctx, o, nil)
}

func (c *Controller) transition(ctx context.Context, to State, reason string) bool {
	t, err := c.sm.transition(to, reason)
	if err != nil {
		c.logger.Error("Illegal state transition", "to", to, "error", err)
		return false
	}
	c.recordTransition(ctx, t)
	return true
}

// fail moves to FAILED from any non-terminal state and returns err.
func (c *Controller) fail(ctx context.Context, reason string, err error) error {
	if t, ok := c.sm.force(reason); ok {
		c.logger.Error("Bracket failed", "reason", reason, "error", err)
		c.recordTransition(ctx, t)
	}
	return err
}

func (c *Controller) recordTransition(ctx context.Context, t Transition) {
	c.logger.Info("State changed", "from", t.From, "to", t.To, "reason", t.Reason)
	if c.obs != nil {
		c.obs.ObserveTransition(string(t.From), string(t.To))
	}
	c.event(ctx, journal.TypeTransition, string(t.From)+" -> "+string(t.To), map[string]any{"reason": t.Reason})
}

// critical logs at CRITICAL, journals the event and alerts the notifier.
func (c *Controller) critical(ctx context.Context, msg string, args ...any) {
	utils.Critical(ctx, c.logger, msg, args...)
	c.event(ctx, journal.TypeCritical, msg, argsMap(args))

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	text := fmt.Sprintf("[%s %s] %s %v", c.plan.Symbol, c.id, msg, args)
	if err := c.notify.SendWithRetry(nctx, text); err != nil {
		c.logger.Error("Failed to send notification", "error", err)
	}
}

func (c *Controller) event(ctx context.Context, eventType, description string, data map[string]any) {
	c.persist(ctx, order.Order{}, &journal.Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		PositionID:  c.id,
		Symbol:      c.plan.Symbol,
		Description: description,
		Data:        data,
	})
}

// persist saves o (when set) and ev (when set) in one transaction if the
// storage supports it. Storage errors are logged, never fatal.
func (c *Controller) persist(ctx context.Context, o order.Order, ev *journal.Event) {
	if c.storage == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	write := func(ctx context.Context) error {
		if o.OrderID != "" {
			if err := c.storage.SaveOrder(ctx, o); err != nil {
				return fmt.Errorf("save order %s: %w", o.OrderID, err)
			}
		}
		if ev != nil {
			if err := c.storage.LogEvent(ctx, *ev); err != nil {
				return fmt.Errorf("log event: %w", err)
			}
		}
		return nil
	}
	var err error
	if tx, ok := c.storage.(transactor); ok {
		err = tx.InTransaction(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		c.logger.Warn("Failed to persist bracket state", "error", err)
	}
}

func (c *Controller) observeOrder(action string, role order.Role) {
	if c.obs != nil {
		c.obs.ObserveOrder(action, role)
	}
}

func argsMap(args []any) map[string]any {
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, ok := args[i+1].(error); ok {
			m[k] = err.Error()
			continue
		}
		m[k] = fmt.Sprint(args[i+1])
	}
	return m
}
