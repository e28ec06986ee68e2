// Package engine runs the rebalance cycle: gates, data, signals, sizing,
// carry blend, order planning and placement, fill detection and state
// persistence, on a wall-clock schedule anchored to the bar close.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/carry"
	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/internal/execution"
	"github.com/jbeckert/crosswind/internal/marketdata"
	"github.com/jbeckert/crosswind/internal/metrics"
	"github.com/jbeckert/crosswind/internal/risk"
	"github.com/jbeckert/crosswind/internal/signals"
	"github.com/jbeckert/crosswind/internal/sizing"
	"github.com/jbeckert/crosswind/internal/state"
	"github.com/jbeckert/crosswind/internal/universe"
)

// ErrInvariant marks a cycle aborted because the computed target weights
// breached a hard portfolio limit. No orders are placed for such a cycle.
var ErrInvariant = errors.New("target weights breach portfolio limits")

// fallbackRiskFrac sizes the synthetic stop for an observed fill when no
// ATR is available.
const fallbackRiskFrac = 0.02

// DataSource is the market data surface the cycle consumes. Implemented by
// the marketdata service.
type DataSource interface {
	History(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)
	RecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)
	Validate(symbol, timeframe string, bars []domain.Bar) marketdata.Report
	Tickers(ctx context.Context) (map[string]domain.Ticker, error)
	FundingRates(ctx context.Context) (map[string]domain.FundingSnapshot, error)
}

// Notifier receives human-readable engine events. May be nil.
type Notifier interface {
	Send(text string)
}

// Deps are the engine's collaborators.
type Deps struct {
	Adapter  exchange.Adapter
	Data     DataSource
	Universe *universe.Service
	Store    *state.Store
	Risk     *risk.Controller
	Breaker  *risk.APIBreaker
	Signals  *signals.Engine
	Sizing   *sizing.Engine
	Carry    *carry.Engine
	Planner  *execution.Planner
	Executor *execution.Executor
	Metrics  *metrics.Registry
	Notifier Notifier
}

// Engine owns the main trading loop. One instance runs per process; the
// fast exit monitor runs beside it and shares the state store.
type Engine struct {
	deps Deps
	cfg  *config.Config
	log  zerolog.Logger

	lastPauseReason string
}

// NewEngine wires the cycle. The config is treated as immutable for the
// lifetime of the engine; deploys land by restarting the process.
func NewEngine(deps Deps, cfg *config.Config, log zerolog.Logger) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Engine{
		deps: deps,
		cfg:  cfg,
		log:  log.With().Str("service", "engine").Logger(),
	}
}

// Run executes cycles at minute rebalance_minute of every hour until the
// context is cancelled. A failed cycle is logged and retried at the next
// anchor; it never stops the loop.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info().
		Int("rebalance_minute", e.cfg.Execution.RebalanceMinute).
		Str("timeframe", e.cfg.Exchange.Timeframe).
		Msg("Trading engine started")

	for {
		next := NextCycleTime(time.Now().UTC(), e.cfg.Execution.RebalanceMinute)
		if !e.sleepUntil(ctx, next) {
			e.log.Info().Msg("Trading engine stopped")
			return
		}
		if err := e.Cycle(ctx, time.Now().UTC()); err != nil {
			e.deps.Metrics.CycleErrors.Inc()
			e.log.Error().Err(err).Msg("Cycle failed")
		}
	}
}

// NextCycleTime returns the first rebalance anchor strictly after now:
// minute `minute` of the current or next hour, UTC.
func NextCycleTime(now time.Time, minute int) time.Time {
	if minute < 0 || minute > 59 {
		minute = 0
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// sleepUntil polls toward the anchor so cancellation is noticed within one
// poll interval. Returns false when the context ended first.
func (e *Engine) sleepUntil(ctx context.Context, at time.Time) bool {
	poll := time.Duration(e.cfg.Execution.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	for {
		wait := time.Until(at)
		if wait <= 0 {
			return true
		}
		if wait > poll {
			wait = poll
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (e *Engine) send(text string) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Send(text)
	}
}

// notifyPauseTransition reports gate state changes exactly once per
// transition, not once per paused cycle.
func (e *Engine) notifyPauseTransition(d risk.Decision) {
	switch {
	case d.Paused() && d.Reason != e.lastPauseReason:
		e.log.Warn().Str("reason", d.Reason).Time("resume_at", d.ResumeAt).Msg("Entries paused")
		e.send("entries paused: " + d.Reason)
	case !d.Paused() && e.lastPauseReason != "":
		e.log.Info().Str("was", e.lastPauseReason).Msg("Entries resumed")
		e.send("entries resumed")
	}
	if d.Paused() {
		e.lastPauseReason = d.Reason
	} else {
		e.lastPauseReason = ""
	}
	for _, w := range d.Warnings {
		e.log.Warn().Str("warning", w).Msg("Long-horizon drawdown warning")
	}
}
