package exits

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/internal/execution"
	"github.com/jbeckert/crosswind/internal/metrics"
	"github.com/jbeckert/crosswind/internal/state"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// BarSource supplies recent bars on the stop timeframe, including the
// forming candle.
type BarSource interface {
	RecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)
}

// InstrumentView resolves instrument specs for rounding exit quantities.
type InstrumentView interface {
	Instrument(symbol string) (domain.Instrument, bool)
}

// Notifier receives human-readable exit events. May be nil.
type Notifier interface {
	Send(text string)
}

// Deps are the monitor's collaborators. Metrics and Notifier are optional.
type Deps struct {
	Adapter     exchange.Adapter
	Bars        BarSource
	Store       *state.Store
	Executor    *execution.Executor
	Instruments InstrumentView
	Metrics     *metrics.Registry
	Notifier    Notifier
}

// Monitor is the fast exit loop. It runs beside the rebalance cycle,
// re-checking every open position against fresh stop-timeframe candles.
// It only ever shrinks positions: all orders go out reduce-only, and the
// only state it mutates is the stop, the high-water mark, the consumed
// profit-target levels and the exit bookkeeping, each inside a short
// Store.Update critical section.
type Monitor struct {
	deps      Deps
	risk      config.RiskConfig
	timeframe string
	alpha     float64
	interval  time.Duration
	log       zerolog.Logger
}

// NewMonitor builds the monitor from the loaded config.
func NewMonitor(deps Deps, cfg *config.Config, log zerolog.Logger) *Monitor {
	interval := time.Duration(cfg.Risk.FastCheckSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		deps:      deps,
		risk:      cfg.Risk,
		timeframe: cfg.Exchange.StopTimeframe,
		alpha:     cfg.Filters.Symbol.EMAAlpha,
		interval:  interval,
		log:       log.With().Str("service", "exit-monitor").Logger(),
	}
}

// Run ticks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.log.Info().Dur("interval", m.interval).Str("timeframe", m.timeframe).Msg("Fast exit monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Fast exit monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick checks every open position once. Positions with a pending full
// close are chased to fill instead of being re-evaluated.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	for _, pos := range m.snapshotPositions() {
		if pos.PendingExit != "" {
			m.chase(ctx, pos)
			continue
		}
		m.check(ctx, pos, now)
	}
}

// snapshotPositions copies the open positions out of the store so rule
// evaluation runs without holding the writer lock.
func (m *Monitor) snapshotPositions() []domain.Position {
	var out []domain.Position
	m.deps.Store.View(func(doc *state.Document) {
		for _, p := range doc.Positions {
			out = append(out, *p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *Monitor) check(ctx context.Context, pos domain.Position, now time.Time) {
	limit := m.risk.ATRPeriod + 2
	if limit < 3 {
		limit = 3
	}
	bars, err := m.deps.Bars.RecentBars(ctx, pos.Symbol, m.timeframe, limit)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Exit check skipped, bars unavailable")
		return
	}
	if len(bars) == 0 {
		return
	}

	// The last bar is the forming candle the rules trigger on; ATR comes
	// from the closed bars before it.
	last := bars[len(bars)-1]
	atr := m.currentATR(bars[:len(bars)-1])

	decision := Evaluate(&pos, last, atr, m.risk, now)
	if !decision.Exit() {
		m.applyMaintenance(pos, decision)
		return
	}

	intent, ok := m.exitIntent(pos, decision)
	if !ok {
		return // consumeTarget already persisted the maintenance fields
	}

	ticker, err := m.deps.Adapter.FetchTicker(ctx, pos.Symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Str("reason", string(decision.Reason)).Msg("Exit deferred, ticker unavailable")
		m.applyMaintenance(pos, decision)
		return
	}
	inst, _ := m.deps.Instruments.Instrument(pos.Symbol)

	pl := m.deps.Executor.Execute(ctx,
		[]execution.Intent{intent},
		map[string]domain.Ticker{pos.Symbol: ticker},
		map[string]domain.Instrument{pos.Symbol: inst},
	)[0]
	if pl.Err != nil || pl.Skipped != "" {
		// The next tick retries; stop moves are kept either way.
		m.applyMaintenance(pos, decision)
		return
	}
	m.finalize(pos, decision, pl, now)
}

// exitIntent sizes the reduce-only order. Partial exits that would leave a
// sub-minimum remainder escalate to a full close; partials that round to
// zero are consumed without an order so the level cannot refire forever.
func (m *Monitor) exitIntent(pos domain.Position, d Decision) (execution.Intent, bool) {
	side := domain.OrderSideSell
	if !pos.IsLong() {
		side = domain.OrderSideBuy
	}
	size := math.Abs(pos.Size)
	intent := execution.Intent{
		Symbol:    pos.Symbol,
		Side:      side,
		Qty:       size,
		Reduce:    true,
		FullClose: true,
	}
	if d.FullClose {
		return intent, true
	}

	inst, _ := m.deps.Instruments.Instrument(pos.Symbol)
	qty := execution.QtyToStep(size*d.ExitFrac, inst.QtyStep)
	if qty <= 0 {
		m.log.Warn().
			Str("symbol", pos.Symbol).
			Int("target", d.TargetIdx).
			Float64("frac", d.ExitFrac).
			Msg("Partial exit rounds to zero, level consumed without order")
		m.consumeTarget(pos, d)
		return intent, false
	}
	if remaining := size - qty; remaining < inst.MinQty {
		return intent, true
	}
	intent.Qty = qty
	intent.FullClose = false
	return intent, true
}

// applyMaintenance persists stop and high-water moves when no order (or a
// failed one) accompanied them.
func (m *Monitor) applyMaintenance(pos domain.Position, d Decision) {
	if d.NewStop <= 0 && d.NewHighWater <= 0 && !d.SetBreakeven {
		return
	}
	err := m.deps.Store.Update(func(doc *state.Document) {
		p, ok := doc.Positions[pos.Symbol]
		if !ok || !p.EntryTime.Equal(pos.EntryTime) {
			return
		}
		applyDecision(p, d)
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Stop update not persisted")
		return
	}
	if d.NewStop > 0 {
		m.log.Info().
			Str("symbol", pos.Symbol).
			Float64("stop", d.NewStop).
			Bool("breakeven", d.SetBreakeven).
			Msg("Stop advanced")
	}
}

// consumeTarget marks a profit-target level taken without placing an order.
func (m *Monitor) consumeTarget(pos domain.Position, d Decision) {
	if d.TargetIdx < 0 {
		return
	}
	_ = m.deps.Store.Update(func(doc *state.Document) {
		p, ok := doc.Positions[pos.Symbol]
		if !ok || !p.EntryTime.Equal(pos.EntryTime) {
			return
		}
		applyDecision(p, d)
		p.TakenTargets = append(p.TakenTargets, d.TargetIdx)
	})
}

// finalize books a placed exit: partial closes bank realized PnL and
// consume their ladder level; full closes mark the position pending,
// record the trade in the symbol stats and write the cooldown.
func (m *Monitor) finalize(pos domain.Position, d Decision, pl execution.Placement, now time.Time) {
	err := m.deps.Store.Update(func(doc *state.Document) {
		p, ok := doc.Positions[pos.Symbol]
		if !ok || !p.EntryTime.Equal(pos.EntryTime) {
			return
		}
		applyDecision(p, d)

		legPnL := (pl.Price - p.EntryPrice) * pl.Qty * p.Direction()
		if !pl.FullClose {
			p.RealizedPnL += legPnL
			if d.TargetIdx >= 0 {
				p.TakenTargets = append(p.TakenTargets, d.TargetIdx)
			}
			return
		}

		p.PendingExit = string(d.Reason)
		p.ExitPrice = pl.Price
		m.recordClose(doc, p, d.Reason, p.RealizedPnL+legPnL, now)
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Exit bookkeeping not persisted")
	}

	if m.deps.Metrics != nil {
		m.deps.Metrics.Exits.WithLabelValues(string(d.Reason)).Inc()
	}
	m.log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", string(d.Reason)).
		Bool("full_close", pl.FullClose).
		Float64("qty", pl.Qty).
		Float64("price", pl.Price).
		Msg("Exit order placed")
	scope := "partial"
	if pl.FullClose {
		scope = "full"
	}
	m.send(fmt.Sprintf("%s %s exit (%s): %.6g @ %.6g", pos.Symbol, scope, d.Reason, pl.Qty, pl.Price))
}

// recordClose folds the finished trade into the symbol stats and writes
// the entry cooldown: short after a normal exit, longer after a stop, and
// a ban once the loss streak reaches the configured length.
func (m *Monitor) recordClose(doc *state.Document, p *domain.Position, reason Reason, pnl float64, now time.Time) {
	stats := doc.Stats(p.Symbol)
	stats.RecordTrade(pnl, m.alpha, now)

	cooldownReason := domain.CooldownPostExit
	minutes := m.risk.Cooldowns.PostExitMinutes
	if reason == ReasonStop || reason == ReasonCatastrophic {
		cooldownReason = domain.CooldownPostStop
		minutes = m.risk.Cooldowns.PostStopMinutes
	}
	if minutes > 0 {
		doc.SetCooldown(domain.Cooldown{
			Symbol:    p.Symbol,
			NotBefore: now.Add(time.Duration(minutes) * time.Minute),
			Reason:    cooldownReason,
		})
	}

	if n := m.risk.Cooldowns.StreakPauseAfterLosses; n > 0 && stats.ConsecutiveLosses >= n {
		doc.SetCooldown(domain.Cooldown{
			Symbol:    p.Symbol,
			NotBefore: now.Add(time.Duration(m.risk.Cooldowns.StreakPauseMinutes) * time.Minute),
			Reason:    domain.CooldownLossStreak,
		})
		m.send(fmt.Sprintf("%s banned after %d consecutive losses", p.Symbol, stats.ConsecutiveLosses))
	}
}

// chase resolves a position whose full close was placed but not yet
// confirmed: once the exchange is flat the row is dropped, and if the
// exit order disappeared while size remains, a fresh one goes out.
func (m *Monitor) chase(ctx context.Context, pos domain.Position) {
	live, err := m.deps.Adapter.FetchPositions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Pending exit check failed")
		return
	}
	var liveSize float64
	for _, lp := range live {
		if lp.Symbol == pos.Symbol {
			liveSize = lp.Size
			break
		}
	}

	if math.Abs(liveSize) < 1e-12 {
		err := m.deps.Store.Update(func(doc *state.Document) {
			p, ok := doc.Positions[pos.Symbol]
			if ok && p.EntryTime.Equal(pos.EntryTime) {
				delete(doc.Positions, pos.Symbol)
			}
		})
		if err == nil {
			m.log.Info().
				Str("symbol", pos.Symbol).
				Str("reason", pos.PendingExit).
				Float64("exit_price", pos.ExitPrice).
				Msg("Exit filled, position closed")
		}
		return
	}

	orders, err := m.deps.Adapter.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return
	}
	for _, o := range orders {
		if o.ReduceOnly {
			return
		}
	}

	side := domain.OrderSideSell
	if liveSize < 0 {
		side = domain.OrderSideBuy
	}
	ticker, err := m.deps.Adapter.FetchTicker(ctx, pos.Symbol)
	if err != nil {
		return
	}
	inst, _ := m.deps.Instruments.Instrument(pos.Symbol)
	intent := execution.Intent{
		Symbol:    pos.Symbol,
		Side:      side,
		Qty:       math.Abs(liveSize),
		Reduce:    true,
		FullClose: true,
	}
	pl := m.deps.Executor.Execute(ctx,
		[]execution.Intent{intent},
		map[string]domain.Ticker{pos.Symbol: ticker},
		map[string]domain.Instrument{pos.Symbol: inst},
	)[0]
	if pl.Err == nil && pl.Skipped == "" {
		m.log.Info().Str("symbol", pos.Symbol).Float64("qty", pl.Qty).Msg("Exit order re-placed")
	}
}

func (m *Monitor) currentATR(bars []domain.Bar) float64 {
	period := m.risk.ATRPeriod
	if period <= 0 {
		period = 14
	}
	if len(bars) <= period {
		return 0
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}

	atr := formulas.CalculateATR(highs, lows, closes, period)
	if atr == nil {
		return 0
	}
	return *atr
}

func (m *Monitor) send(text string) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Send(text)
	}
}

// applyDecision writes the maintenance fields onto the live row.
func applyDecision(p *domain.Position, d Decision) {
	if d.NewHighWater > 0 {
		p.HighWater = d.NewHighWater
	}
	if d.NewStop > 0 {
		p.StopPrice = d.NewStop
	}
	if d.SetBreakeven {
		p.BreakevenSet = true
	}
}
