package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/mexc-bracket/internal/livetrading"
	"github.com/amirphl/mexc-bracket/internal/market"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/amirphl/mexc-bracket/internal/position"
	"github.com/shopspring/decimal"
)

// Action is the closed set of commands the binary runs.
type Action int

const (
	ActionStart Action = iota
	ActionBuy
	ActionSell
	ActionStatus
	ActionSymbols
	ActionValidate
	ActionTestPermissions
	ActionFindTradeable
	ActionBracket
	ActionSequential
	ActionSimpleBracket
	actionCount
)

var actionNames = [actionCount]string{
	ActionStart:           "start",
	ActionBuy:             "buy",
	ActionSell:            "sell",
	ActionStatus:          "status",
	ActionSymbols:         "symbols",
	ActionValidate:        "validate",
	ActionTestPermissions: "test-permissions",
	ActionFindTradeable:   "find-tradeable",
	ActionBracket:         "bracket",
	ActionSequential:      "sequential",
	ActionSimpleBracket:   "simple-bracket",
}

type handler func(ctx context.Context, a *app) error

var handlers = [actionCount]handler{
	ActionStart:           runStart,
	ActionBuy:             func(ctx context.Context, a *app) error { return runLimitOrder(ctx, a, order.Buy) },
	ActionSell:            func(ctx context.Context, a *app) error { return runLimitOrder(ctx, a, order.Sell) },
	ActionStatus:          runStatus,
	ActionSymbols:         runSymbols,
	ActionValidate:        runValidate,
	ActionTestPermissions: runTestPermissions,
	ActionFindTradeable:   runFindTradeable,
	ActionBracket:         runPercentBracket,
	ActionSequential:      func(ctx context.Context, a *app) error { return runPriceBracket(ctx, a, position.Sequential) },
	ActionSimpleBracket:   func(ctx context.Context, a *app) error { return runPriceBracket(ctx, a, position.Simultaneous) },
}

func (a Action) String() string {
	if a < 0 || a >= actionCount {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q, want one of %s", s, strings.Join(actionNames[:], ", "))
}

// trades reports whether the action places orders.
func (a Action) trades() bool {
	switch a {
	case ActionBuy, ActionSell, ActionBracket, ActionSequential, ActionSimpleBracket:
		return true
	}
	return false
}

// needsCredentials reports whether the action sends signed requests. Dry-run
// trading answers order requests locally.
func (a Action) needsCredentials(dryRun bool) bool {
	switch a {
	case ActionSymbols, ActionValidate, ActionFindTradeable:
		return false
	case ActionStart, ActionStatus, ActionTestPermissions:
		return true
	}
	return !dryRun
}

func runStart(ctx context.Context, a *app) error {
	active, err := a.storage.GetActiveBrackets(ctx)
	if err != nil {
		a.logger.Warn("Failed to load active brackets", "error", err)
	}
	for _, b := range active {
		a.logger.Warn("Bracket left active by a previous run", "position_id", b.PositionID, "symbol", b.Symbol,
			"state", b.State, "stop_loss_order", b.StopLossOrderID, "take_profit_order", b.TakeProfitOrderID)
	}
	livetrading.NewReconciler(a.storage, a.client, a.cfg.ReconcileInterval, a.logger).Run(ctx)
	return nil
}

// entryPrice is the configured price, or the last traded price when unset.
func entryPrice(ctx context.Context, a *app) (decimal.Decimal, error) {
	if a.cfg.Price.IsPositive() {
		return a.cfg.Price, nil
	}
	p, err := a.client.TickerPrice(ctx, a.cfg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("no --price given and ticker unavailable: %w", err)
	}
	a.logger.Info("Using last price as entry", "symbol", a.cfg.Symbol, "price", p)
	return p, nil
}

func runLimitOrder(ctx context.Context, a *app, side order.Side) error {
	if !a.gate.Allowed(a.now()) {
		return position.ErrOutsideWindow
	}
	if err := a.limiter.Reserve(a.now()); err != nil {
		return err
	}
	rule, err := a.rules.Validate(ctx, a.cfg.Symbol)
	if err != nil {
		return err
	}
	price, err := entryPrice(ctx, a)
	if err != nil {
		return err
	}
	price = rule.FloorPrice(price)
	qty, err := market.Quantity(rule, a.cfg.Quantity, price)
	if err != nil {
		return err
	}
	o, err := a.client.PlaceOrder(ctx, order.Request{
		Symbol:        rule.Symbol,
		Side:          side,
		Type:          order.Limit,
		Price:         price,
		Quantity:      qty,
		TimeInForce:   "GTC",
		ClientOrderID: order.NewClientOrderID(order.RoleManual),
	})
	if err != nil {
		return err
	}
	a.metrics.ObserveOrder("placed", order.RoleManual)
	if err := a.storage.SaveOrder(ctx, o); err != nil {
		a.logger.Warn("Failed to save order", "order_id", o.OrderID, "error", err)
	}
	fmt.Fprintf(a.out, "%s %s %s @ %s -> order %s (%s)\n", side, rule.FormatQuantity(qty), rule.Symbol,
		rule.FormatPrice(price), o.OrderID, o.Status)
	return nil
}

func runPercentBracket(ctx context.Context, a *app) error {
	price, err := entryPrice(ctx, a)
	if err != nil {
		return err
	}
	plan, err := position.PlanFromPercent(a.cfg.Symbol, order.Buy, price, a.cfg.Quantity, a.cfg.StopLoss, a.cfg.TakeProfit, position.Simultaneous)
	if err != nil {
		return err
	}
	return runBracket(ctx, a, plan)
}

func runPriceBracket(ctx context.Context, a *app, mode position.Mode) error {
	price, err := entryPrice(ctx, a)
	if err != nil {
		return err
	}
	return runBracket(ctx, a, position.Plan{
		Symbol:      a.cfg.Symbol,
		Side:        order.Buy,
		EntryPrice:  price,
		QuoteAmount: a.cfg.Quantity,
		StopLoss:    a.cfg.StopLoss,
		TakeProfit:  a.cfg.TakeProfit,
		Mode:        mode,
	})
}

func runBracket(ctx context.Context, a *app, plan position.Plan) error {
	c, err := position.New(plan, position.Config{
		PollInterval:    a.cfg.PollInterval,
		EntryTimeout:    a.cfg.EntryTimeout,
		PositionTimeout: a.cfg.PositionTimeout,
	}, position.Deps{
		Exchange: a.client,
		Rules:    a.rules,
		Gate:     a.gate,
		Limiter:  a.limiter,
		Storage:  a.storage,
		Notifier: a.notifier,
		Observer: a.metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	runner := livetrading.NewRunner(a.gate, a.storage, a.metrics, a.logger)
	res := runner.Run(ctx, c)[0]
	printResult(a, res)
	for _, o := range res.Position().OpenOrders() {
		a.logger.Warn("Order left open on the exchange", "order_id", o.OrderID, "role", order.RoleOf(o.ClientOrderID),
			"status", o.Status, "exposure", res.Position().Exposure())
	}
	return res.Err
}

func printResult(a *app, res position.Result) {
	fmt.Fprintf(a.out, "bracket %s %s: %s\n", res.PositionID, res.Symbol, res.State)
	fmt.Fprintf(a.out, "  quantity %s filled %s\n", res.Quantity, res.Filled)
	for _, o := range []order.Order{res.Entry, res.StopLoss, res.TakeProfit} {
		if o.OrderID == "" {
			continue
		}
		fmt.Fprintf(a.out, "  %-5s %s %s %s/%s %s\n", order.RoleOf(o.ClientOrderID), o.OrderID, o.Side, o.FilledQty, o.Quantity, o.Status)
	}
	if res.ExitLeg != "" {
		fmt.Fprintf(a.out, "  exit: %s\n", res.ExitLeg)
	}
	if res.Err != nil {
		fmt.Fprintf(a.out, "  error: %v\n", res.Err)
	}
}

func runStatus(ctx context.Context, a *app) error {
	acct, err := a.client.Account(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "account %s can_trade=%t\n", acct.AccountType, acct.CanTrade)
	for _, b := range acct.NonZeroBalances() {
		fmt.Fprintf(a.out, "  %-8s free %s locked %s\n", b.Asset, b.Free, b.Locked)
	}
	open, err := a.client.OpenOrders(ctx, a.cfg.Symbol)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "open orders on %s: %d\n", a.cfg.Symbol, len(open))
	for _, o := range open {
		fmt.Fprintf(a.out, "  %s %s %s %s @ %s %s\n", o.OrderID, o.Side, o.Type, o.Quantity, o.Price, o.Status)
	}
	active, err := a.storage.GetActiveBrackets(ctx)
	if err != nil {
		return err
	}
	for _, b := range active {
		fmt.Fprintf(a.out, "active bracket %s %s %s\n", b.PositionID, b.Symbol, b.State)
	}
	return nil
}

func runSymbols(ctx context.Context, a *app) error {
	rules, err := a.client.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	matches := market.Search(rules, a.cfg.Search)
	for _, s := range matches {
		fmt.Fprintln(a.out, s)
	}
	fmt.Fprintf(a.out, "%d symbols\n", len(matches))
	return nil
}

func runValidate(ctx context.Context, a *app) error {
	rule, err := a.rules.Validate(ctx, a.cfg.Symbol)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s (%s/%s) tradable\n", rule.Symbol, rule.BaseAsset, rule.QuoteAsset)
	fmt.Fprintf(a.out, "  tick %s step %s min qty %s min notional %s\n", rule.TickSize, rule.StepSize, rule.MinQty, rule.MinNotional)
	if a.cfg.Quantity.IsPositive() && a.cfg.Price.IsPositive() {
		qty, err := market.Quantity(rule, a.cfg.Quantity, a.cfg.Price)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "  %s quote at %s buys %s\n", a.cfg.Quantity, a.cfg.Price, rule.FormatQuantity(qty))
	}
	return nil
}

func runTestPermissions(ctx context.Context, a *app) error {
	if err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Fprintln(a.out, "ping ok")
	st, err := a.client.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	fmt.Fprintf(a.out, "server time %s (local offset %s)\n", st.UTC().Format("2006-01-02T15:04:05.000Z"), a.now().Sub(st).Round(time.Millisecond))
	acct, err := a.client.Account(ctx)
	if err != nil {
		return fmt.Errorf("account access: %w", err)
	}
	fmt.Fprintf(a.out, "account access ok, can_trade=%t\n", acct.CanTrade)
	usdt := acct.Balance("USDT")
	fmt.Fprintf(a.out, "USDT free %s locked %s\n", usdt.Free, usdt.Locked)
	if !acct.CanTrade {
		return errors.New("API key lacks spot trading permission")
	}
	return nil
}

func runFindTradeable(ctx context.Context, a *app) error {
	rules, err := a.client.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	tradable := market.FilterTradable(rules, "USDT")
	for _, r := range tradable {
		if a.cfg.Search != "" && !strings.Contains(r.Symbol, strings.ToUpper(a.cfg.Search)) {
			continue
		}
		fmt.Fprintf(a.out, "%-14s min notional %s\n", r.Symbol, r.MinNotional)
	}
	fmt.Fprintf(a.out, "%d tradable USDT pairs\n", len(tradable))
	return nil
}
