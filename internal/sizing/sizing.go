// Package sizing converts the signal table into target portfolio weights.
//
// The pipeline is a fixed sequence: top-K selection, raw sizing,
// market-neutral centering, gross-leverage normalization, per-asset caps,
// portfolio volatility targeting, Kelly scaling, volatility-regime scaling,
// the correlation limiter and a hard position-count cap. Every stage is a
// pure function of its inputs so the optimizer can replay the pipeline over
// historical data byte for byte.
package sizing

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/signals"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

const (
	// Dynamic-K anchors: a median |z| at or below the low anchor selects
	// k_min, at or above the high anchor selects k_max.
	dispersionLow  = 0.5
	dispersionHigh = 1.5

	// volFloor keeps inverse-vol weights finite on degenerate series.
	volFloor = 1e-8

	// Minimum samples before vol targeting or correlations are trusted.
	minVolTargetSamples = 24
	minCorrSamples      = 24
)

// StatsProvider supplies per-symbol trade stats for the Kelly multiplier.
type StatsProvider interface {
	Stats(symbol string) (domain.SymbolStats, bool)
}

// Inputs bundles one sizing pass. Bars carry the same closed candles the
// signal engine saw; ProxyBars belong to the volatility-regime proxy.
type Inputs struct {
	Rows        []signals.Row
	Equity      float64
	Instruments map[string]domain.Instrument
	Bars        map[string][]domain.Bar
	ProxyBars   []domain.Bar
	Stats       StatsProvider
}

// Engine sizes the book. It is stateless across cycles.
type Engine struct {
	cfg       config.SizingConfig
	sigCfg    config.SignalsConfig
	riskCfg   config.RiskConfig
	advCapPct float64
	tf        time.Duration
	log       zerolog.Logger
}

// NewEngine builds a sizing engine for one timeframe.
func NewEngine(cfg config.SizingConfig, sigCfg config.SignalsConfig, riskCfg config.RiskConfig, liquidity config.LiquidityConfig, timeframe string, log zerolog.Logger) *Engine {
	tf := config.TimeframeDuration(timeframe)
	if tf <= 0 {
		tf = time.Hour
	}
	return &Engine{
		cfg:       cfg,
		sigCfg:    sigCfg,
		riskCfg:   riskCfg,
		advCapPct: liquidity.ADVCapPct,
		tf:        tf,
		log:       log.With().Str("service", "sizing").Logger(),
	}
}

// Compute runs the full pipeline and returns weights that satisfy the book
// invariants: Σ|w| ≤ gross_leverage and every |w| within its per-asset cap.
func (e *Engine) Compute(in Inputs) domain.TargetWeights {
	selected := e.selectTopK(in.Rows)
	if len(selected) == 0 {
		return domain.TargetWeights{}
	}

	w := e.rawWeights(selected, in.Equity)
	if e.sigCfg.MarketNeutral {
		center(w)
	}
	// Inverse-vol weights are relative, so they are pinned to the gross
	// target. Fixed-risk weights already carry absolute per-trade risk and
	// are only capped from above.
	if e.riskCfg.SizingMode == config.SizingModeFixedRisk {
		if gross := w.Gross(); gross > e.cfg.GrossLeverage {
			w.Scale(e.cfg.GrossLeverage / gross)
		}
	} else {
		normalizeGross(w, e.cfg.GrossLeverage)
	}
	e.applyPerAssetCaps(w, in.Equity, in.Instruments)
	e.applyVolTarget(w, in.Bars)
	e.applyKelly(w, in.Stats)
	e.applyVolRegime(w, in.ProxyBars)
	e.applyCorrelationLimit(w, in.Bars)
	if e.cfg.MaxOpenPositionsHard > 0 {
		w.KeepTop(e.cfg.MaxOpenPositionsHard)
	}
	e.EnforceCaps(w, in.Equity, in.Instruments)

	e.log.Debug().
		Int("positions", w.NonZero()).
		Float64("gross", w.Gross()).
		Float64("net", w.Net()).
		Msg("Target weights computed")
	return w
}

// EnforceCaps re-applies the hard invariants: per-asset caps, market
// neutrality and the gross-leverage ceiling. The trading engine calls this
// again after blending the carry sleeve.
func (e *Engine) EnforceCaps(w domain.TargetWeights, equity float64, instruments map[string]domain.Instrument) {
	e.applyPerAssetCaps(w, equity, instruments)
	if e.sigCfg.MarketNeutral {
		center(w)
		e.applyPerAssetCaps(w, equity, instruments)
	}
	if gross := w.Gross(); gross > e.cfg.GrossLeverage {
		w.Scale(e.cfg.GrossLeverage / gross)
	}
	w.Prune()
}

// selectTopK keeps the K strongest longs and the K weakest shorts by
// amplified score.
func (e *Engine) selectTopK(rows []signals.Row) []signals.Row {
	live := make([]signals.Row, 0, len(rows))
	for _, row := range rows {
		if row.Live() {
			live = append(live, row)
		}
	}
	if len(live) == 0 {
		return nil
	}
	k := e.chooseK(rows)
	if k <= 0 {
		return live
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].Signal != live[j].Signal {
			return live[i].Signal > live[j].Signal
		}
		return live[i].Symbol < live[j].Symbol
	})
	selected := make([]signals.Row, 0, 2*k)
	for i := 0; i < len(live) && i < k; i++ {
		if live[i].Signal <= 0 {
			break
		}
		selected = append(selected, live[i])
	}
	for i := 0; i < len(live) && i < k; i++ {
		row := live[len(live)-1-i]
		if row.Signal >= 0 {
			break
		}
		selected = append(selected, row)
	}
	return selected
}

// chooseK maps the cross-sectional dispersion median(|z|) linearly into
// [k_min, k_max]. A tight cross-section concentrates the book, a dispersed
// one spreads it.
func (e *Engine) chooseK(rows []signals.Row) int {
	kMin, kMax := e.sigCfg.KMin, e.sigCfg.KMax
	if kMax <= 0 {
		return 0
	}
	if kMin <= 0 {
		kMin = 1
	}
	if kMax <= kMin {
		return kMin
	}
	zs := make([]float64, 0, len(rows))
	for _, row := range rows {
		if row.ZScore != 0 {
			zs = append(zs, math.Abs(row.ZScore))
		}
	}
	if len(zs) == 0 {
		return kMin
	}
	t := clip((formulas.Median(zs)-dispersionLow)/(dispersionHigh-dispersionLow), 0, 1)
	return kMin + int(math.Round(t*float64(kMax-kMin)))
}

func (e *Engine) rawWeights(rows []signals.Row, equity float64) domain.TargetWeights {
	w := make(domain.TargetWeights, len(rows))
	for _, row := range rows {
		switch e.riskCfg.SizingMode {
		case config.SizingModeFixedRisk:
			if v, ok := fixedRiskWeight(row, e.riskCfg, equity); ok {
				w[row.Symbol] = v
			}
		default:
			sigma := row.Volatility
			if sigma < volFloor {
				sigma = volFloor
			}
			w[row.Symbol] = signOf(row.Signal) / sigma
		}
	}
	return w
}

// fixedRiskWeight sizes so the loss at the initial stop equals
// risk_per_trade_pct of equity: w = risk_frac · price / stop_distance.
func fixedRiskWeight(row signals.Row, cfg config.RiskConfig, equity float64) (float64, bool) {
	if equity <= 0 || row.ATR <= 0 || row.Price <= 0 {
		return 0, false
	}
	stop := cfg.ATRMultSL * row.ATR
	if stop <= 0 {
		return 0, false
	}
	return signOf(row.Signal) * (cfg.RiskPerTradePct / 100) * row.Price / stop, true
}

// center subtracts the mean weight so the book is dollar-neutral.
func center(w domain.TargetWeights) {
	if len(w) == 0 {
		return
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	mean := sum / float64(len(w))
	for sym := range w {
		w[sym] -= mean
	}
}

func normalizeGross(w domain.TargetWeights, gross float64) {
	g := w.Gross()
	if g <= 0 || gross <= 0 {
		return
	}
	w.Scale(gross / g)
}

// applyPerAssetCaps clips each weight to the smallest of the static cap,
// the notional cap and the liquidity cap derived from 24h volume.
func (e *Engine) applyPerAssetCaps(w domain.TargetWeights, equity float64, instruments map[string]domain.Instrument) {
	for sym, v := range w {
		limit := e.assetCap(sym, equity, instruments)
		if limit <= 0 {
			continue
		}
		if math.Abs(v) > limit {
			w[sym] = math.Copysign(limit, v)
		}
	}
}

func (e *Engine) assetCap(symbol string, equity float64, instruments map[string]domain.Instrument) float64 {
	limit := e.cfg.MaxWeightPerAsset
	if e.cfg.NotionalCapUSDT > 0 && equity > 0 {
		limit = math.Min(limit, e.cfg.NotionalCapUSDT/equity)
	}
	if e.advCapPct > 0 && equity > 0 {
		if inst, ok := instruments[symbol]; ok && inst.Volume24hUSD > 0 {
			limit = math.Min(limit, e.advCapPct/100*inst.Volume24hUSD/equity)
		}
	}
	return limit
}

// applyVolTarget scales the whole book toward the target annualized vol.
// With too little aligned history the book is left untouched.
func (e *Engine) applyVolTarget(w domain.TargetWeights, bars map[string][]domain.Bar) {
	cfg := e.cfg.VolTarget
	if !cfg.Enabled || len(w) == 0 {
		return
	}
	rets := portfolioReturns(w, bars, e.windowBars(cfg.LookbackHours))
	if len(rets) < minVolTargetSamples {
		return
	}
	realized := formulas.AnnualizedVolatility(rets, e.barsPerYear())
	if realized <= 0 {
		return
	}
	scale := clip(cfg.TargetAnnVol/realized, cfg.MinScale, cfg.MaxScale)
	w.Scale(scale)
	e.log.Debug().
		Float64("realized_ann_vol", realized).
		Float64("target_ann_vol", cfg.TargetAnnVol).
		Float64("scale", scale).
		Msg("Volatility target applied")
}

// applyKelly multiplies each weight by a fractional-Kelly factor from that
// symbol's rolling win rate and win/loss ratio. Symbols below the trade
// minimum keep full size.
func (e *Engine) applyKelly(w domain.TargetWeights, stats StatsProvider) {
	cfg := e.cfg.Kelly
	if !cfg.Enabled || stats == nil {
		return
	}
	for sym := range w {
		st, ok := stats.Stats(sym)
		if !ok || st.Trades < cfg.MinTrades {
			continue
		}
		w[sym] *= kellyMultiplier(st, cfg)
	}
}

// kellyMultiplier is fraction · f*, with f* = p − (1−p)/b clamped to [0, 1].
// With no observed losses b is unbounded and f* degenerates to the win
// rate; with no observed wins the symbol stands aside entirely.
func kellyMultiplier(st domain.SymbolStats, cfg config.KellyConfig) float64 {
	p := st.WinRateEMA
	var f float64
	switch {
	case st.AvgLoss() <= 0:
		f = p
	case st.AvgWin() <= 0:
		f = 0
	default:
		b := st.AvgWin() / st.AvgLoss()
		f = p - (1-p)/b
	}
	mult := cfg.Fraction * clip(f, 0, 1)
	if cfg.MaxMult > 0 && mult > cfg.MaxMult {
		mult = cfg.MaxMult
	}
	return mult
}

// applyVolRegime shrinks the book when the proxy's ATR runs hot against its
// baseline: scale 1 at high_vol_mult, falling linearly to max_scale_down one
// full multiple above it.
func (e *Engine) applyVolRegime(w domain.TargetWeights, proxy []domain.Bar) {
	cfg := e.cfg.VolatilityRegime
	if !cfg.Enabled || len(w) == 0 || len(proxy) == 0 {
		return
	}
	ratio, ok := atrExpansionRatio(proxy, cfg.ATRPeriod, cfg.BaselineLookback)
	if !ok || ratio < cfg.HighVolMult {
		return
	}
	t := clip((ratio-cfg.HighVolMult)/cfg.HighVolMult, 0, 1)
	scale := 1 - t*(1-cfg.MaxScaleDown)
	if scale < cfg.MaxScaleDown {
		scale = cfg.MaxScaleDown
	}
	w.Scale(scale)
	e.log.Warn().
		Str("proxy", cfg.ProxySymbol).
		Float64("atr_ratio", ratio).
		Float64("scale", scale).
		Msg("High volatility regime, scaling book down")
}

// applyCorrelationLimit walks positions from largest |w| down and drops any
// that would join too many kept positions it is highly correlated with.
// Correlation is measured on position returns, so a short against a long in
// co-moving assets hedges rather than concentrates.
func (e *Engine) applyCorrelationLimit(w domain.TargetWeights, bars map[string][]domain.Bar) {
	cfg := e.cfg.Correlation
	if !cfg.Enabled || cfg.MaxHighCorrPositions <= 0 || len(w) < 2 {
		return
	}
	window := e.windowBars(cfg.LookbackHours)
	rets := make(map[string][]float64, len(w))
	for sym := range w {
		r := formulas.CalculateReturns(closesOf(bars[sym]))
		if window > 0 && len(r) > window {
			r = r[len(r)-window:]
		}
		rets[sym] = r
	}

	kept := make([]string, 0, len(w))
	for _, sym := range w.SymbolsByAbsWeight() {
		high := 0
		for _, other := range kept {
			if positionCorrelation(w, rets, sym, other) > cfg.MaxAllowedCorr {
				high++
			}
		}
		if high >= cfg.MaxHighCorrPositions {
			e.log.Debug().
				Str("symbol", sym).
				Int("correlated_with", high).
				Msg("Dropping position from correlated cluster")
			delete(w, sym)
			continue
		}
		kept = append(kept, sym)
	}
}

// positionCorrelation is the return correlation signed by position
// direction. Unknown (short-history) pairs count as uncorrelated.
func positionCorrelation(w domain.TargetWeights, rets map[string][]float64, a, b string) float64 {
	ra, rb := rets[a], rets[b]
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < minCorrSamples {
		return 0
	}
	c := formulas.Correlation(ra[len(ra)-n:], rb[len(rb)-n:])
	return signOf(w[a]) * signOf(w[b]) * c
}

// portfolioReturns builds the weighted return series over the trailing
// window, aligning all symbols from the tail. Any weighted symbol without
// data makes the estimate unusable.
func portfolioReturns(w domain.TargetWeights, bars map[string][]domain.Bar, window int) []float64 {
	if window <= 0 {
		return nil
	}
	series := make(map[string][]float64, len(w))
	length := window
	for sym := range w {
		rets := formulas.CalculateReturns(closesOf(bars[sym]))
		if len(rets) == 0 {
			return nil
		}
		if len(rets) > window {
			rets = rets[len(rets)-window:]
		}
		if len(rets) < length {
			length = len(rets)
		}
		series[sym] = rets
	}
	out := make([]float64, length)
	for sym, rets := range series {
		weight := w[sym]
		for i, r := range rets[len(rets)-length:] {
			out[i] += weight * r
		}
	}
	return out
}

// atrExpansionRatio returns the current ATR over its rolling-mean baseline,
// excluding the current bar from the baseline.
func atrExpansionRatio(bars []domain.Bar, period, lookback int) (float64, bool) {
	if period <= 0 {
		period = 14
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	atrs := formulas.CalculateATRSeries(highs, lows, closes, period)
	if atrs == nil || len(atrs) <= period+1 {
		return 0, false
	}
	live := atrs[period:]
	current := live[len(live)-1]
	if current <= 0 {
		return 0, false
	}
	if lookback <= 0 {
		lookback = 20
	}
	baseline := formulas.RollingMean(live[:len(live)-1], lookback)
	if baseline <= 0 {
		return 0, false
	}
	return current / baseline, true
}

func (e *Engine) windowBars(hours int) int {
	if hours <= 0 {
		return 0
	}
	return int(time.Duration(hours) * time.Hour / e.tf)
}

func (e *Engine) barsPerYear() int {
	return int(365 * 24 * time.Hour / e.tf)
}

func signOf(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func closesOf(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
