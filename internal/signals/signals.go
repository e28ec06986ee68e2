// Package signals turns OHLCV history into cross-sectional momentum scores.
//
// Each cycle the engine computes a weighted multi-lookback return per
// instrument, standardizes the returns across the universe, amplifies the
// z-scores nonlinearly and then runs the entry filters. The output is a row
// table the sizing engine consumes plus a breadth ratio that can veto the
// whole cycle.
package signals

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

const defaultATRPeriod = 14

// Row is one instrument's signal for the current cycle.
type Row struct {
	Symbol     string
	Return     float64 // weighted multi-lookback return
	ZScore     float64 // cross-sectional z-score of Return
	Signal     float64 // sign(z)·|z|^p, zeroed by filters
	Volatility float64 // per-bar stddev of simple returns over vol_lookback
	ATR        float64 // latest ATR on the signal timeframe, 0 when unknown
	Price      float64 // last close, used for notional conversions
	FilteredBy string  // first filter that zeroed the signal, "" if live
}

// Live reports whether the row still carries a tradeable signal.
func (r Row) Live() bool {
	return r.Signal != 0
}

// Result is the signal table for one cycle.
type Result struct {
	Rows      []Row
	Breadth   float64
	BreadthOK bool
}

// Row returns the row for a symbol.
func (r Result) Row(symbol string) (Row, bool) {
	for _, row := range r.Rows {
		if row.Symbol == symbol {
			return row, true
		}
	}
	return Row{}, false
}

// LiveCount returns the number of rows with a non-zero signal.
func (r Result) LiveCount() int {
	n := 0
	for _, row := range r.Rows {
		if row.Live() {
			n++
		}
	}
	return n
}

// StatsView exposes the per-symbol trade quality consulted by the symbol
// filter. Implemented by the state document.
type StatsView interface {
	// Stats returns the accumulated stats for a symbol, false when the
	// symbol has never traded.
	Stats(symbol string) (domain.SymbolStats, bool)
	// BannedUntil returns the expiry of a loss-streak ban, false when none
	// was ever issued.
	BannedUntil(symbol string) (time.Time, bool)
}

// Engine computes the signal table. It is stateless across cycles.
type Engine struct {
	cfg        config.SignalsConfig
	filters    config.FiltersConfig
	atrPeriod  int
	barsPerDay int
	labeler    Labeler
	log        zerolog.Logger
}

// NewEngine builds a signal engine for one timeframe. atrPeriod is shared
// with the risk configuration so signal rows carry the same ATR the stops
// use. A nil labeler accepts everything.
func NewEngine(cfg config.SignalsConfig, filters config.FiltersConfig, timeframe string, atrPeriod int, labeler Labeler, log zerolog.Logger) *Engine {
	if atrPeriod <= 0 {
		atrPeriod = defaultATRPeriod
	}
	if labeler == nil {
		labeler = AcceptAll{}
	}
	barsPerDay := 24
	if d := config.TimeframeDuration(timeframe); d > 0 {
		barsPerDay = int(24 * time.Hour / d)
	}
	return &Engine{
		cfg:        cfg,
		filters:    filters,
		atrPeriod:  atrPeriod,
		barsPerDay: barsPerDay,
		labeler:    labeler,
		log:        log.With().Str("service", "signals").Logger(),
	}
}

// Compute builds the signal table for the universe at now. Instruments with
// too little history stay in the table with a zero signal so the breadth
// denominator always reflects the full universe.
func (e *Engine) Compute(now time.Time, symbols []string, bars map[string][]domain.Bar, stats StatsView) Result {
	rows := make([]Row, 0, len(symbols))
	valid := make([]int, 0, len(symbols))
	built := make(map[string]series, len(symbols))

	maxLB := maxLookback(e.cfg.Lookbacks)
	for _, symbol := range symbols {
		row := Row{Symbol: symbol}
		s := newSeries(bars[symbol])
		built[symbol] = s
		if maxLB <= 0 || len(s.closes) < maxLB+1 {
			row.FilteredBy = FilterInsufficientData
			rows = append(rows, row)
			continue
		}
		row.Return = e.weightedReturn(s.closes)
		row.Volatility = trailingVol(s.closes, e.cfg.VolLookback)
		row.Price = s.closes[len(s.closes)-1]
		if atr := formulas.CalculateATR(s.highs, s.lows, s.closes, e.atrPeriod); atr != nil {
			row.ATR = *atr
		}
		valid = append(valid, len(rows))
		rows = append(rows, row)
	}

	// Standardize across the instruments that produced a return, then
	// amplify. Insufficient-data rows stay at zero.
	returns := make([]float64, len(valid))
	for j, idx := range valid {
		returns[j] = rows[idx].Return
	}
	power := e.cfg.SignalPower
	if power <= 0 {
		power = 1
	}
	for j, z := range formulas.ZScores(returns) {
		idx := valid[j]
		rows[idx].ZScore = z
		rows[idx].Signal = amplify(z, power)
	}

	for i := range rows {
		row := &rows[i]
		if !row.Live() {
			continue
		}
		if name := e.applyFilters(now, row, built[row.Symbol], stats); name != "" {
			row.Signal = 0
			row.FilteredBy = name
			continue
		}
		if !e.labeler.Keep(row.Symbol, featuresOf(*row)) {
			row.Signal = 0
			row.FilteredBy = FilterLabeler
		}
	}

	result := Result{Rows: rows}
	result.Breadth = e.breadth(rows)
	result.BreadthOK = result.Breadth >= e.cfg.MinBreadthFraction
	if !result.BreadthOK {
		for i := range rows {
			if rows[i].Live() {
				rows[i].Signal = 0
				rows[i].FilteredBy = FilterBreadth
			}
		}
		e.log.Warn().
			Float64("breadth", result.Breadth).
			Float64("min", e.cfg.MinBreadthFraction).
			Msg("Breadth below minimum, zeroing all signals")
	}

	e.log.Debug().
		Int("universe", len(rows)).
		Int("live", result.LiveCount()).
		Float64("breadth", result.Breadth).
		Msg("Signal table computed")
	return result
}

// weightedReturn is r = Σ_k w_k · (close_t / close_{t-L_k} − 1).
func (e *Engine) weightedReturn(closes []float64) float64 {
	last := closes[len(closes)-1]
	var r float64
	for k, lb := range e.cfg.Lookbacks {
		prev := closes[len(closes)-1-lb]
		if prev <= 0 || last <= 0 {
			continue
		}
		weight := 1.0
		if k < len(e.cfg.LookbackWeights) {
			weight = e.cfg.LookbackWeights[k]
		}
		r += weight * (last/prev - 1)
	}
	return r
}

// breadth is the fraction of the universe with a live signal whose z-score
// clears the entry threshold.
func (e *Engine) breadth(rows []Row) float64 {
	if len(rows) == 0 {
		return 0
	}
	n := 0
	for _, row := range rows {
		if row.Live() && math.Abs(row.ZScore) >= e.cfg.EntryZScoreMin {
			n++
		}
	}
	return float64(n) / float64(len(rows))
}

func amplify(z, power float64) float64 {
	if z == 0 {
		return 0
	}
	s := math.Pow(math.Abs(z), power)
	if z < 0 {
		return -s
	}
	return s
}

// trailingVol is the sample stddev of simple returns over the last lookback
// bars. Zero when there is not enough history; the sizing engine floors it.
func trailingVol(closes []float64, lookback int) float64 {
	if lookback < 2 {
		lookback = 2
	}
	window := closes
	if len(window) > lookback+1 {
		window = window[len(window)-lookback-1:]
	}
	return formulas.StdDev(formulas.CalculateReturns(window))
}

func maxLookback(lookbacks []int) int {
	max := 0
	for _, lb := range lookbacks {
		if lb > max {
			max = lb
		}
	}
	return max
}

// series holds the per-bar price columns the filters consume.
type series struct {
	highs  []float64
	lows   []float64
	closes []float64
}

func newSeries(bars []domain.Bar) series {
	s := series{
		highs:  make([]float64, len(bars)),
		lows:   make([]float64, len(bars)),
		closes: make([]float64, len(bars)),
	}
	for i, b := range bars {
		s.highs[i] = b.High
		s.lows[i] = b.Low
		s.closes[i] = b.Close
	}
	return s
}
