package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jbeckert/crosswind/internal/carry"
	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/internal/execution"
	"github.com/jbeckert/crosswind/internal/risk"
	"github.com/jbeckert/crosswind/internal/sizing"
	"github.com/jbeckert/crosswind/internal/state"
	"github.com/jbeckert/crosswind/internal/universe"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// Cycle runs one full rebalance pass. Errors abort the cycle before any
// order is placed; the next anchor retries from scratch.
func (e *Engine) Cycle(ctx context.Context, now time.Time) error {
	started := time.Now()
	defer func() {
		e.deps.Metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	margin, err := e.deps.Adapter.FetchEquityAndMargin(ctx)
	if err != nil {
		e.deps.Metrics.APIFailures.WithLabelValues("margin").Inc()
		return fmt.Errorf("failed to fetch equity: %w", err)
	}
	if margin.Equity <= 0 {
		return fmt.Errorf("exchange reports non-positive equity %.2f", margin.Equity)
	}

	tickers, err := e.deps.Data.Tickers(ctx)
	if err != nil {
		e.deps.Metrics.APIFailures.WithLabelValues("tickers").Inc()
		return fmt.Errorf("failed to fetch tickers: %w", err)
	}

	// Fills are detected from the live position table, never from order
	// status. A failed fetch poisons the entry gate until it recovers.
	live, err := e.deps.Adapter.FetchPositions(ctx)
	if err != nil {
		e.deps.Metrics.APIFailures.WithLabelValues("positions").Inc()
		e.deps.Risk.SetReconcileFailed(true)
		e.log.Error().Err(err).Msg("Position fetch failed, entries blocked")
	} else {
		e.deps.Risk.SetReconcileFailed(false)
		e.syncFills(ctx, now, live, tickers)
	}

	decision := e.evaluateGates(now, margin)
	e.notifyPauseTransition(decision)

	if decision.Liquidate {
		e.liquidateAll(ctx, tickers)
		return e.finishCycle(now)
	}
	if decision.Paused() {
		e.reconcileOrders(ctx, tickers, now)
		return e.finishCycle(now)
	}

	snap, err := e.deps.Universe.Refresh(ctx)
	if err != nil {
		e.deps.Metrics.APIFailures.WithLabelValues("universe").Inc()
		snap = e.deps.Universe.Last()
		if snap == nil {
			return fmt.Errorf("failed to refresh universe with no previous snapshot: %w", err)
		}
		e.log.Warn().Err(err).Time("snapshot_at", snap.At).Msg("Universe refresh failed, reusing previous snapshot")
	}
	if snap.Len() == 0 {
		e.log.Warn().Msg("Universe is empty, nothing to trade")
		e.reconcileOrders(ctx, tickers, now)
		return e.finishCycle(now)
	}
	instruments := instrumentMap(snap)

	bars := e.fetchBars(ctx, snap.Symbols())

	stats := e.statsSnapshot()
	result := e.deps.Signals.Compute(now, snap.Symbols(), bars, stats)

	weights := e.deps.Sizing.Compute(sizing.Inputs{
		Rows:        result.Rows,
		Equity:      margin.Equity,
		Instruments: instruments,
		Bars:        bars,
		ProxyBars:   e.proxyBars(ctx, bars),
		Stats:       stats,
	})

	funding, err := e.deps.Data.FundingRates(ctx)
	if err != nil {
		e.deps.Metrics.APIFailures.WithLabelValues("funding").Inc()
		e.log.Warn().Err(err).Msg("Funding fetch failed, carry sleeve and accrual skipped")
		funding = nil
	}
	if e.deps.Carry.Enabled() && funding != nil {
		sleeve := e.deps.Carry.Weights(snap.Symbols(), funding, tickers, e.cfg.Sizing.GrossLeverage)
		weights = carry.Blend(weights, sleeve, e.deps.Carry.BudgetFrac())
		e.deps.Sizing.EnforceCaps(weights, margin.Equity, instruments)
	}

	if err := e.checkInvariants(weights); err != nil {
		return err
	}

	positions := e.positionsForPlanning(weights)

	e.reconcileOrders(ctx, tickers, now)

	// An empty target book normally means "no conviction", not "close
	// everything": the planner treats a missing target as a close, so
	// planning is skipped entirely unless flattening is opted in.
	if len(weights) == 0 && !e.cfg.Execution.FlattenOnEmptySignals {
		e.log.Info().Int("open_positions", len(positions)).Msg("No live targets, holding book")
		return e.finishCycle(now)
	}

	intents := e.deps.Planner.Plan(execution.PlanInput{
		Now:            now,
		Targets:        weights,
		Positions:      positions,
		Instruments:    instruments,
		Tickers:        tickers,
		Equity:         margin.Equity,
		EntriesAllowed: decision.CanEnter,
		Cooldowns:      e.cooldownSnapshot(),
	})
	placements := e.deps.Executor.Execute(ctx, intents, tickers, instruments)
	e.recordPlacements(placements)

	if funding != nil {
		e.accrueFunding(funding, tickers)
	}

	e.log.Info().
		Float64("equity", margin.Equity).
		Float64("gross", weights.Gross()).
		Float64("net", weights.Net()).
		Int("targets", weights.NonZero()).
		Int("intents", len(intents)).
		Dur("took", time.Since(started)).
		Msg("Cycle complete")
	return e.finishCycle(now)
}

// evaluateGates runs the risk controller against a consistent view of the
// document and persists what the evaluation mutated (day anchors, equity
// history, pause latches, breaker window).
func (e *Engine) evaluateGates(now time.Time, margin domain.MarginInfo) risk.Decision {
	var decision risk.Decision
	if err := e.deps.Store.Update(func(doc *state.Document) {
		doc.RollDay(now, margin.Equity)
		doc.RecordEquity(now, margin.Equity)
		decision = e.deps.Risk.Evaluate(now, doc, margin, e.deps.Store.EmergencyStopActive())
		doc.Breaker = e.deps.Breaker.Snapshot()

		e.deps.Metrics.Equity.Set(margin.Equity)
		e.deps.Metrics.OpenPositions.Set(float64(len(doc.Positions)))
		window := now.AddDate(0, 0, -e.cfg.Risk.PortfolioDDWindowDays)
		if high := doc.HighestEquitySince(window); high > 0 {
			e.deps.Metrics.Drawdown.Set(math.Max(0, 1-margin.Equity/high))
		}
	}); err != nil {
		e.log.Error().Err(err).Msg("State write failed during gate evaluation")
	}
	if e.deps.Breaker.Open(now) {
		e.deps.Metrics.BreakerOpen.Set(1)
	} else {
		e.deps.Metrics.BreakerOpen.Set(0)
	}
	return decision
}

// syncFills folds observed position deltas into the document. The exchange
// size is authoritative; order status is never consulted.
func (e *Engine) syncFills(ctx context.Context, now time.Time, live []exchange.LivePosition, tickers map[string]domain.Ticker) {
	var deltas []execution.PositionDelta
	e.deps.Store.View(func(doc *state.Document) {
		deltas = execution.DiffPositions(doc.Positions, live)
	})
	if len(deltas) == 0 {
		return
	}

	// ATR lookups hit the exchange, so they happen before the write lock.
	atrs := make(map[string]float64)
	for _, d := range deltas {
		if d.Kind == execution.DeltaOpened || d.Kind == execution.DeltaFlipped {
			atrs[d.Symbol] = e.currentATR(ctx, d.Symbol)
		}
	}

	err := e.deps.Store.Update(func(doc *state.Document) {
		// The monitor may have mutated positions since the view; diff
		// again under the lock so deltas are applied to current rows.
		for _, d := range execution.DiffPositions(doc.Positions, live) {
			e.applyDelta(doc, d, atrs, tickers, now)
		}
	})
	if err != nil {
		e.log.Error().Err(err).Msg("State write failed during fill sync")
	}
}

func (e *Engine) applyDelta(doc *state.Document, d execution.PositionDelta, atrs map[string]float64, tickers map[string]domain.Ticker, now time.Time) {
	e.deps.Metrics.Fills.WithLabelValues(string(d.Kind)).Inc()

	switch d.Kind {
	case execution.DeltaOpened:
		doc.Positions[d.Symbol] = e.newPosition(d.Symbol, d.LiveSize, d.AvgPrice, atrs[d.Symbol], tickers, now)
		p := doc.Positions[d.Symbol]
		e.log.Info().
			Str("symbol", d.Symbol).
			Float64("size", p.Size).
			Float64("entry", p.EntryPrice).
			Float64("stop", p.StopPrice).
			Msg("Position opened")
		e.send(fmt.Sprintf("%s opened: %.6g @ %.6g, stop %.6g", d.Symbol, p.Size, p.EntryPrice, p.StopPrice))

	case execution.DeltaIncreased, execution.DeltaReduced:
		p := doc.Positions[d.Symbol]
		p.Size = d.LiveSize
		if d.Kind == execution.DeltaIncreased && d.AvgPrice > 0 {
			p.EntryPrice = d.AvgPrice
		}
		e.log.Info().
			Str("symbol", d.Symbol).
			Str("kind", string(d.Kind)).
			Float64("from", d.PrevSize).
			Float64("to", d.LiveSize).
			Msg("Position resized")

	case execution.DeltaClosed:
		p := doc.Positions[d.Symbol]
		delete(doc.Positions, d.Symbol)
		if p.PendingExit != "" {
			// The monitor booked stats and cooldown when it placed the
			// exit; this delta is that order filling.
			e.log.Info().Str("symbol", d.Symbol).Str("reason", p.PendingExit).Msg("Exit filled, position closed")
			return
		}
		e.bookClose(doc, p, d.PrevSize, tickers, now)

	case execution.DeltaFlipped:
		p := doc.Positions[d.Symbol]
		if p.PendingExit == "" {
			e.bookClose(doc, p, d.PrevSize, tickers, now)
		}
		doc.Positions[d.Symbol] = e.newPosition(d.Symbol, d.LiveSize, d.AvgPrice, atrs[d.Symbol], tickers, now)
		e.log.Warn().
			Str("symbol", d.Symbol).
			Float64("from", d.PrevSize).
			Float64("to", d.LiveSize).
			Msg("Position flipped")
	}
}

// newPosition mirrors the startup reconciler's adoption rules: exchange
// average price first, mark as fallback, stop from current ATR with a
// fixed-fraction floor when bars are unavailable.
func (e *Engine) newPosition(symbol string, size, avgPrice float64, atr float64, tickers map[string]domain.Ticker, now time.Time) *domain.Position {
	entry := avgPrice
	if entry <= 0 {
		if t, ok := tickers[symbol]; ok {
			entry = execution.ReferencePrice(t)
		}
	}

	riskDist := entry * fallbackRiskFrac
	if atr > 0 {
		riskDist = atr * e.cfg.Risk.ATRMultSL
	}
	direction := 1.0
	if size < 0 {
		direction = -1
	}
	stop := entry - direction*riskDist

	return &domain.Position{
		Symbol:      symbol,
		Size:        size,
		EntryPrice:  entry,
		EntryTime:   now,
		EntryATR:    atr,
		StopPrice:   stop,
		InitialRisk: math.Abs(entry - stop),
		HighWater:   entry,
	}
}

// bookClose records a close the engine cannot attribute to the monitor:
// planner-driven closes, manual closes on the exchange, liquidations.
func (e *Engine) bookClose(doc *state.Document, p *domain.Position, prevSize float64, tickers map[string]domain.Ticker, now time.Time) {
	price := p.ExitPrice
	if t, ok := tickers[p.Symbol]; ok {
		if ref := execution.ReferencePrice(t); ref > 0 {
			price = ref
		}
	}
	pnl := p.RealizedPnL
	if price > 0 {
		pnl += (price - p.EntryPrice) * prevSize
	}

	stats := doc.Stats(p.Symbol)
	stats.RecordTrade(pnl, e.cfg.Filters.Symbol.EMAAlpha, now)

	cd := e.cfg.Risk.Cooldowns
	doc.SetCooldown(domain.Cooldown{
		Symbol:    p.Symbol,
		NotBefore: now.Add(time.Duration(cd.PostExitMinutes) * time.Minute),
		Reason:    domain.CooldownPostExit,
	})
	if cd.StreakPauseAfterLosses > 0 && stats.ConsecutiveLosses >= cd.StreakPauseAfterLosses {
		doc.SetCooldown(domain.Cooldown{
			Symbol:    p.Symbol,
			NotBefore: now.Add(time.Duration(cd.StreakPauseMinutes) * time.Minute),
			Reason:    domain.CooldownLossStreak,
		})
		e.send(fmt.Sprintf("%s banned after %d consecutive losses", p.Symbol, stats.ConsecutiveLosses))
	}

	e.log.Info().
		Str("symbol", p.Symbol).
		Float64("size", prevSize).
		Float64("pnl", pnl).
		Msg("Position closed outside the exit monitor")
	e.send(fmt.Sprintf("%s closed: %.6g, pnl %.2f", p.Symbol, prevSize, pnl))
}

// currentATR derives the stop-timeframe ATR from closed bars, 0 when the
// window is short or the fetch fails.
func (e *Engine) currentATR(ctx context.Context, symbol string) float64 {
	period := e.cfg.Risk.ATRPeriod
	if period <= 0 {
		period = 14
	}
	bars, err := e.deps.Data.RecentBars(ctx, symbol, e.cfg.Exchange.StopTimeframe, period+1)
	if err != nil || len(bars) <= period {
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

// fetchBars loads signal history for every universe symbol, dropping
// symbols whose bars fail validation so one bad feed cannot poison the
// cross-sectional ranking.
func (e *Engine) fetchBars(ctx context.Context, symbols []string) map[string][]domain.Bar {
	tf := e.cfg.Exchange.Timeframe
	limit := e.cfg.Exchange.CandlesLimit
	out := make(map[string][]domain.Bar, len(symbols))

	for _, symbol := range symbols {
		bars, err := e.deps.Data.History(ctx, symbol, tf, limit)
		if err != nil {
			e.deps.Metrics.APIFailures.WithLabelValues("bars").Inc()
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar fetch failed, symbol skipped this cycle")
			continue
		}
		if report := e.deps.Data.Validate(symbol, tf, bars); !report.OK {
			e.log.Warn().
				Str("symbol", symbol).
				Int("flags", len(report.Flags)).
				Float64("gap_ratio", report.GapRatio).
				Msg("Bar validation failed, symbol skipped this cycle")
			continue
		}
		out[symbol] = bars
	}
	return out
}

// proxyBars returns the volatility-regime proxy's history, reusing the
// universe fetch when the proxy trades in the universe.
func (e *Engine) proxyBars(ctx context.Context, bars map[string][]domain.Bar) []domain.Bar {
	regime := e.cfg.Sizing.VolatilityRegime
	if !regime.Enabled || regime.ProxySymbol == "" {
		return nil
	}
	if b, ok := bars[regime.ProxySymbol]; ok {
		return b
	}
	b, err := e.deps.Data.History(ctx, regime.ProxySymbol, e.cfg.Exchange.Timeframe, e.cfg.Exchange.CandlesLimit)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", regime.ProxySymbol).Msg("Proxy bar fetch failed, regime scaling skipped")
		return nil
	}
	return b
}

// checkInvariants verifies the hard portfolio limits one last time before
// any order is derived from the weights. Sizing enforces all of these; a
// breach here is a bug, and no orders are placed for the cycle.
func (e *Engine) checkInvariants(w domain.TargetWeights) error {
	const eps = 1e-6

	if gross := w.Gross(); gross > e.cfg.Sizing.GrossLeverage*(1+eps)+eps {
		return fmt.Errorf("%w: gross %.4f exceeds leverage %.2f", ErrInvariant, gross, e.cfg.Sizing.GrossLeverage)
	}
	if maxW := e.cfg.Sizing.MaxWeightPerAsset; maxW > 0 {
		for symbol, weight := range w {
			if math.Abs(weight) > maxW+eps {
				return fmt.Errorf("%w: %s weight %.4f exceeds per-asset cap %.2f", ErrInvariant, symbol, weight, maxW)
			}
		}
	}
	if hard := e.cfg.Sizing.MaxOpenPositionsHard; hard > 0 && w.NonZero() > hard {
		return fmt.Errorf("%w: %d targets exceed hard position limit %d", ErrInvariant, w.NonZero(), hard)
	}
	// Caps re-applied after centering can leave a small net remainder, so
	// neutrality drift warns instead of aborting.
	if e.cfg.Signals.MarketNeutral {
		if net, gross := w.Net(), w.Gross(); gross > 0 && math.Abs(net) > 0.05*gross {
			e.log.Warn().Float64("net", net).Float64("gross", gross).Msg("Market-neutral book carries net exposure")
		}
	}
	return nil
}

// positionsForPlanning snapshots the open positions the planner may trade
// against. Rows with a pending exit are excluded, and their symbols are
// removed from the targets: the monitor owns them until the close fills.
func (e *Engine) positionsForPlanning(targets domain.TargetWeights) map[string]*domain.Position {
	out := make(map[string]*domain.Position)
	e.deps.Store.View(func(doc *state.Document) {
		for symbol, p := range doc.Positions {
			if p.PendingExit != "" {
				delete(targets, symbol)
				continue
			}
			cp := *p
			out[symbol] = &cp
		}
	})
	return out
}

// reconcileOrders cancels resting orders that aged out or drifted too far
// from the market. Runs every cycle, including paused ones.
func (e *Engine) reconcileOrders(ctx context.Context, tickers map[string]domain.Ticker, now time.Time) {
	orders, err := e.deps.Adapter.FetchOpenOrders(ctx, "")
	if err != nil {
		e.deps.Metrics.APIFailures.WithLabelValues("orders").Inc()
		e.log.Warn().Err(err).Msg("Open order fetch failed, reconciliation skipped")
		return
	}
	stale := execution.StaleOrders(e.cfg.Execution.StaleOrders, orders, tickers, now)
	if len(stale) == 0 {
		return
	}
	cancelled := e.deps.Executor.CancelOrders(ctx, stale)
	e.log.Info().Int("stale", len(stale)).Int("cancelled", cancelled).Msg("Stale orders reconciled")
}

// liquidateAll cancels everything and closes every position reduce-only at
// aggressive prices. Only the margin hard limit with the liquidate action
// reaches here.
func (e *Engine) liquidateAll(ctx context.Context, tickers map[string]domain.Ticker) {
	e.log.Error().Msg("Liquidating all positions")
	e.send("margin hard limit: liquidating all positions")

	if orders, err := e.deps.Adapter.FetchOpenOrders(ctx, ""); err == nil && len(orders) > 0 {
		e.deps.Executor.CancelOrders(ctx, orders)
	}

	var intents []execution.Intent
	e.deps.Store.View(func(doc *state.Document) {
		for symbol, p := range doc.Positions {
			if p.Size == 0 {
				continue
			}
			side := domain.OrderSideSell
			if p.Size < 0 {
				side = domain.OrderSideBuy
			}
			intents = append(intents, execution.Intent{
				Symbol:    symbol,
				Side:      side,
				Qty:       math.Abs(p.Size),
				Reduce:    true,
				FullClose: true,
			})
		}
	})
	sort.Slice(intents, func(i, j int) bool { return intents[i].Symbol < intents[j].Symbol })

	instruments := map[string]domain.Instrument{}
	if snap := e.deps.Universe.Last(); snap != nil {
		instruments = instrumentMap(snap)
	}
	placements := e.deps.Executor.Execute(ctx, intents, tickers, instruments)
	e.recordPlacements(placements)
}

// accrueFunding estimates the funding paid over one cycle: rate scaled from
// the 8h settlement interval to the cycle timeframe, signed so longs pay
// when the rate is positive.
func (e *Engine) accrueFunding(funding map[string]domain.FundingSnapshot, tickers map[string]domain.Ticker) {
	frac := 1.0 / 8
	if d := config.TimeframeDuration(e.cfg.Exchange.Timeframe); d > 0 {
		frac = d.Hours() / 8
	}

	err := e.deps.Store.Update(func(doc *state.Document) {
		for symbol, p := range doc.Positions {
			f, ok := funding[symbol]
			t, tok := tickers[symbol]
			if !ok || !tok || p.Size == 0 {
				continue
			}
			price := execution.ReferencePrice(t)
			if price <= 0 {
				continue
			}
			doc.FundingPaid[symbol] += f.Rate * price * p.Size * frac
		}
	})
	if err != nil {
		e.log.Error().Err(err).Msg("State write failed during funding accrual")
	}
}

func (e *Engine) recordPlacements(placements []execution.Placement) {
	var placed, failed int
	for _, pl := range placements {
		switch {
		case pl.Err != nil:
			failed++
			e.deps.Metrics.OrdersFailed.Inc()
		case pl.Skipped != "":
		case pl.Intent.Reduce:
			placed++
			e.deps.Metrics.OrdersPlaced.WithLabelValues("reduce").Inc()
		default:
			placed++
			e.deps.Metrics.OrdersPlaced.WithLabelValues("entry").Inc()
		}
	}
	if placed+failed > 0 {
		e.log.Info().Int("placed", placed).Int("failed", failed).Msg("Orders submitted")
	}
}

// finishCycle stamps the document and the heartbeat file. A write failure
// fails the cycle so the next anchor retries with fresh data.
func (e *Engine) finishCycle(now time.Time) error {
	if err := e.deps.Store.Update(func(doc *state.Document) {
		doc.LastCycleAt = now
	}); err != nil {
		return fmt.Errorf("failed to persist cycle state: %w", err)
	}
	if err := e.deps.Store.Heartbeat(now); err != nil {
		e.log.Warn().Err(err).Msg("Heartbeat write failed")
	}
	return nil
}

// statsSnapshot copies the per-symbol stats and loss-streak bans out of the
// document so signal and sizing math runs without holding the store lock.
type statsSnapshot struct {
	stats map[string]domain.SymbolStats
	bans  map[string]time.Time
}

func (e *Engine) statsSnapshot() statsSnapshot {
	snap := statsSnapshot{
		stats: make(map[string]domain.SymbolStats),
		bans:  make(map[string]time.Time),
	}
	e.deps.Store.View(func(doc *state.Document) {
		for symbol, s := range doc.SymbolStats {
			snap.stats[symbol] = *s
		}
		for symbol, c := range doc.Cooldowns {
			if c.Reason == domain.CooldownLossStreak {
				snap.bans[symbol] = c.NotBefore
			}
		}
	})
	return snap
}

func (s statsSnapshot) Stats(symbol string) (domain.SymbolStats, bool) {
	st, ok := s.stats[symbol]
	return st, ok
}

func (s statsSnapshot) BannedUntil(symbol string) (time.Time, bool) {
	at, ok := s.bans[symbol]
	return at, ok
}

// cooldownSnapshot copies the cooldown table for the planner.
type cooldownSnapshot map[string]domain.Cooldown

func (e *Engine) cooldownSnapshot() cooldownSnapshot {
	snap := make(cooldownSnapshot)
	e.deps.Store.View(func(doc *state.Document) {
		for symbol, c := range doc.Cooldowns {
			snap[symbol] = c
		}
	})
	return snap
}

func (s cooldownSnapshot) ActiveCooldown(symbol string, now time.Time) (domain.Cooldown, bool) {
	c, ok := s[symbol]
	if !ok || !c.Active(now) {
		return domain.Cooldown{}, false
	}
	return c, true
}

func instrumentMap(snap *universe.Snapshot) map[string]domain.Instrument {
	out := make(map[string]domain.Instrument, len(snap.Instruments))
	for _, inst := range snap.Instruments {
		out[inst.Symbol] = inst
	}
	return out
}
