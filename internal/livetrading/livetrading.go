// Package livetrading
package livetrading

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/amirphl/mexc-bracket/internal/db"
	"github.com/amirphl/mexc-bracket/internal/position"
	"github.com/amirphl/mexc-bracket/internal/schedule"
	"github.com/amirphl/mexc-bracket/internal/utils"
)

// Scheduler reports when the trading window opens next.
type Scheduler interface {
	NextOpen(now time.Time) time.Time
}

// Tracker counts running controllers.
type Tracker interface {
	PositionStarted()
	PositionFinished()
}

// minWindowWait keeps a runner from spinning when the window boundary and
// the controller's own check disagree by a few milliseconds.
var minWindowWait = time.Second

// Runner drives bracket controllers concurrently, one goroutine each.
type Runner struct {
	Schedule Scheduler
	Store    db.BracketStore
	Tracker  Tracker
	Logger   *slog.Logger
}

func NewRunner(sched Scheduler, store db.BracketStore, tracker Tracker, logger *slog.Logger) *Runner {
	return &Runner{Schedule: sched, Store: store, Tracker: tracker, Logger: utils.Component(logger, "runner")}
}

// Run starts every controller and returns their results once all of them
// are done. Results are in the order the controllers finished.
func (r *Runner) Run(ctx context.Context, ctrls ...*position.Controller) []position.Result {
	out := make(chan position.Result, len(ctrls))
	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *position.Controller) {
			defer wg.Done()
			out <- r.runOne(ctx, c)
		}(c)
	}
	wg.Wait()
	close(out)

	results := make([]position.Result, 0, len(ctrls))
	for res := range out {
		results = append(results, res)
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, c *position.Controller) position.Result {
	logger := r.logger().With("position_id", c.ID(), "symbol", c.Plan().Symbol)
	if r.Tracker != nil {
		r.Tracker.PositionStarted()
		defer r.Tracker.PositionFinished()
	}

	var res position.Result
	for {
		res = c.Run(ctx)
		if !errors.Is(res.Err, position.ErrOutsideWindow) || r.Schedule == nil {
			break
		}
		now := time.Now()
		next := r.Schedule.NextOpen(now)
		if next.Before(now.Add(minWindowWait)) {
			next = now.Add(minWindowWait)
		}
		logger.Info("Waiting for trading window", "opens_at", next.Format(time.RFC3339))
		if err := schedule.WaitUntil(ctx, next); err != nil {
			c.Cancel()
			res = c.Run(context.WithoutCancel(ctx))
			break
		}
	}

	r.save(ctx, c, res)
	if res.Err != nil {
		logger.Warn("Bracket ended", "state", res.State, "error", res.Err)
	} else {
		logger.Info("Bracket ended", "state", res.State, "exit", res.ExitLeg)
	}
	return res
}

func (r *Runner) save(ctx context.Context, c *position.Controller, res position.Result) {
	if r.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.Store.SaveBracket(ctx, BracketOf(c.Plan(), res)); err != nil {
		r.logger().Warn("Failed to save bracket", "position_id", res.PositionID, "error", err)
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		r.Logger = utils.Component(nil, "runner")
	}
	return r.Logger
}

// BracketOf flattens a plan and its result into the stored summary.
func BracketOf(p position.Plan, res position.Result) db.Bracket {
	b := db.Bracket{
		PositionID:        res.PositionID,
		Symbol:            p.Symbol,
		Side:              string(p.Side),
		Mode:              string(p.Mode),
		State:             string(res.State),
		EntryPrice:        p.EntryPrice,
		StopLoss:          p.StopLoss,
		TakeProfit:        p.TakeProfit,
		QuoteAmount:       p.QuoteAmount,
		Quantity:          res.Quantity,
		Filled:            res.Filled,
		EntryOrderID:      res.Entry.OrderID,
		StopLossOrderID:   res.StopLoss.OrderID,
		TakeProfitOrderID: res.TakeProfit.OrderID,
	}
	if res.Err != nil {
		b.LastError = res.Err.Error()
	}
	return b
}
