package state

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// fallbackRiskFrac sizes the synthetic stop when no ATR is available for a
// re-adopted position: 2% of the entry price.
const fallbackRiskFrac = 0.02

// BarSource supplies fresh bars for stop derivation. Implemented by
// marketdata.Service.
type BarSource interface {
	RecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)
}

// Reconciler aligns the persisted positions with the exchange at startup.
// State rows with no live counterpart are cleared; live positions unknown
// to state are re-adopted with a synthetic entry and an ATR-derived stop.
type Reconciler struct {
	adapter exchange.Adapter
	data    BarSource
	cfg     config.RiskConfig
	stopTF  string
	log     zerolog.Logger
}

// NewReconciler wires a startup reconciler.
func NewReconciler(adapter exchange.Adapter, data BarSource, cfg config.RiskConfig, stopTimeframe string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		adapter: adapter,
		data:    data,
		cfg:     cfg,
		stopTF:  stopTimeframe,
		log:     log.With().Str("service", "reconciler").Logger(),
	}
}

// Reconcile fetches live positions and folds the differences into the
// store. It fails when the exchange cannot be reached; the caller must not
// trade on unverified state.
func (r *Reconciler) Reconcile(ctx context.Context, store *Store) error {
	live, err := r.adapter.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch live positions: %w", err)
	}

	liveBySymbol := make(map[string]exchange.LivePosition, len(live))
	for _, p := range live {
		if p.Size != 0 {
			liveBySymbol[p.Symbol] = p
		}
	}

	var cleared, adopted, resized []string

	err = store.Update(func(doc *Document) {
		for symbol, pos := range doc.Positions {
			lp, ok := liveBySymbol[symbol]
			switch {
			case !ok:
				// Flat on exchange: the position closed while we were
				// down. Outcome unknown, so no stats are recorded.
				delete(doc.Positions, symbol)
				cleared = append(cleared, symbol)
			case lp.Size != pos.Size:
				pos.Size = lp.Size
				resized = append(resized, symbol)
			}
		}

		for symbol, lp := range liveBySymbol {
			if _, ok := doc.Positions[symbol]; ok {
				continue
			}
			doc.Positions[symbol] = r.adopt(ctx, symbol, lp)
			adopted = append(adopted, symbol)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to persist reconciled state: %w", err)
	}

	r.log.Info().
		Int("live", len(liveBySymbol)).
		Strs("cleared", cleared).
		Strs("adopted", adopted).
		Strs("resized", resized).
		Msg("Startup position reconciliation complete")
	return nil
}

// adopt builds a synthetic position for an exchange position with no state
// row. Entry comes from the exchange average price (current mark when that
// is missing); the stop is re-derived from current ATR.
func (r *Reconciler) adopt(ctx context.Context, symbol string, lp exchange.LivePosition) *domain.Position {
	entry := lp.AvgPrice
	if entry <= 0 {
		if ticker, err := r.adapter.FetchTicker(ctx, symbol); err == nil && ticker.Last > 0 {
			entry = ticker.Last
		}
	}

	risk := entry * fallbackRiskFrac
	atr := r.currentATR(ctx, symbol)
	if atr > 0 {
		risk = atr * r.cfg.ATRMultSL
	}

	direction := 1.0
	if lp.Size < 0 {
		direction = -1
	}
	stop := entry - direction*risk

	r.log.Warn().
		Str("symbol", symbol).
		Float64("size", lp.Size).
		Float64("entry", entry).
		Float64("stop", stop).
		Bool("atr_available", atr > 0).
		Msg("Re-adopting unknown exchange position")

	return &domain.Position{
		Symbol:      symbol,
		Size:        lp.Size,
		EntryPrice:  entry,
		EntryTime:   time.Now().UTC(),
		EntryATR:    atr,
		StopPrice:   stop,
		InitialRisk: math.Abs(entry - stop),
		HighWater:   entry,
		Adopted:     true,
	}
}

func (r *Reconciler) currentATR(ctx context.Context, symbol string) float64 {
	period := r.cfg.ATRPeriod
	if period <= 0 {
		period = 14
	}
	bars, err := r.data.RecentBars(ctx, symbol, r.stopTF, period+1)
	if err != nil || len(bars) < period+1 {
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
