package signals

import (
	"math"
	"time"

	"github.com/jbeckert/crosswind/pkg/formulas"
)

// Filter names recorded on the rows they zero.
const (
	FilterInsufficientData = "insufficient_data"
	FilterRegime           = "regime"
	FilterADX              = "adx"
	FilterSymbol           = "symbol"
	FilterVolBreakout      = "vol_breakout"
	FilterBlackout         = "blackout"
	FilterLabeler          = "labeler"
	FilterBreadth          = "breadth"
)

// applyFilters returns the name of the first filter that rejects the row,
// or "" when the signal survives. Order matters: the cheap global checks
// run last so FilteredBy names the most specific reason.
func (e *Engine) applyFilters(now time.Time, row *Row, s series, stats StatsView) string {
	if !e.regimePass(row.Signal, s.closes) {
		return FilterRegime
	}
	if !e.adxPass(s) {
		return FilterADX
	}
	if !e.symbolPass(now, row.Symbol, stats) {
		return FilterSymbol
	}
	if !e.volBreakoutPass(s) {
		return FilterVolBreakout
	}
	if e.blackout(now) {
		return FilterBlackout
	}
	return ""
}

// regimePass requires a minimum EMA slope, optionally in the direction of
// the signal. Enabled filters reject when there is too little history.
func (e *Engine) regimePass(signal float64, closes []float64) bool {
	cfg := e.filters.Regime
	if !cfg.Enabled {
		return true
	}
	slope := formulas.EMASlopeBPSPerDay(closes, cfg.EMALen, cfg.SlopeBars, e.barsPerDay)
	if slope == nil {
		return false
	}
	if math.Abs(*slope) < cfg.SlopeMinBPSPerDay {
		return false
	}
	if cfg.Directional && *slope*signal < 0 {
		return false
	}
	return true
}

func (e *Engine) adxPass(s series) bool {
	cfg := e.filters.ADX
	if !cfg.Enabled {
		return true
	}
	period := cfg.Period
	if period <= 0 {
		period = defaultATRPeriod
	}
	adx := formulas.CalculateADX(s.highs, s.lows, s.closes, period)
	if adx == nil {
		return false
	}
	return *adx >= cfg.MinADX
}

// symbolPass drops instruments whose smoothed trading stats fall below the
// configured floors. Loss-streak bans apply even when the stats filter is
// disabled: the ban is a risk action, not a quality opinion.
func (e *Engine) symbolPass(now time.Time, symbol string, stats StatsView) bool {
	if stats == nil {
		return true
	}
	if until, ok := stats.BannedUntil(symbol); ok && now.Before(until) {
		return false
	}
	cfg := e.filters.Symbol
	if !cfg.Enabled {
		return true
	}
	st, ok := stats.Stats(symbol)
	if !ok || st.Trades < cfg.MinTrades {
		// Not enough sample to judge.
		return true
	}
	if st.WinRateEMA < cfg.MinWinRate {
		return false
	}
	return st.ProfitFactorEMA >= cfg.MinProfitFactor
}

// volBreakoutPass requires the current ATR to exceed a multiple of its own
// rolling mean. The baseline excludes the current bar so a single expansion
// bar cannot lift its own threshold.
func (e *Engine) volBreakoutPass(s series) bool {
	cfg := e.filters.VolatilityEntry
	if !cfg.Enabled {
		return true
	}
	atrs := formulas.CalculateATRSeries(s.highs, s.lows, s.closes, e.atrPeriod)
	if atrs == nil {
		return false
	}
	current := atrs[len(atrs)-1]
	if current <= 0 {
		return false
	}
	lookback := cfg.ATRLookback
	if lookback <= 0 {
		lookback = 20
	}
	live := atrs[e.atrPeriod:] // skip warm-up zeros
	if len(live) < 2 {
		return false
	}
	baseline := formulas.RollingMean(live[:len(live)-1], lookback)
	if baseline <= 0 {
		return false
	}
	return current >= cfg.ExpansionMult*baseline
}

func (e *Engine) blackout(now time.Time) bool {
	hour := now.UTC().Hour()
	for _, h := range e.filters.BlackoutHoursUTC {
		if h == hour {
			return true
		}
	}
	return false
}
