package optimizer

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/signals"
	"github.com/jbeckert/crosswind/internal/sizing"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// simNotionalUSD is the equity the simulator sizes against. Absolute scale
// only matters for notional and ADV caps; returns are fractions of equity.
const simNotionalUSD = 10_000

// Metrics summarizes one backtest window.
type Metrics struct {
	Sharpe        float64
	Annualized    float64
	Calmar        float64
	MaxDrawdown   float64
	DailyTurnover float64
	Bars          int
}

// Backtest is the output of one simulated window. GrossReturns and Costs are
// kept separately so the Monte-Carlo stage can recombine them under
// perturbed cost assumptions.
type Backtest struct {
	GrossReturns []float64
	Costs        []float64
	NetReturns   []float64
	Equity       []float64
	Metrics      Metrics
}

// Simulator replays the signal and sizing pipeline bar by bar over recorded
// history. Execution is idealized to the close with a flat per-side cost:
// at each bar it computes target weights from the closed prefix, applies the
// live rebalance churn band in weight space, and earns the next bar's
// close-to-close return on the held weights.
type Simulator struct {
	timeframe   string
	tf          time.Duration
	barsPerDay  int
	barsPerYear int
	costs       config.CostsConfig
	log         zerolog.Logger
}

func NewSimulator(timeframe string, costs config.CostsConfig, log zerolog.Logger) *Simulator {
	tf := config.TimeframeDuration(timeframe)
	if tf <= 0 {
		tf = time.Hour
	}
	return &Simulator{
		timeframe:   timeframe,
		tf:          tf,
		barsPerDay:  int(24 * time.Hour / tf),
		barsPerYear: int(365 * 24 * time.Hour / tf),
		costs:       costs,
		log:         log.With().Str("service", "backtest").Logger(),
	}
}

// Run simulates cfg over [start, end). Bars outside the window feed signal
// warmup only; returns are recorded for holding intervals that lie entirely
// inside the window.
func (s *Simulator) Run(cfg config.Config, bars map[string][]domain.Bar, instruments map[string]domain.Instrument, start, end time.Time) Backtest {
	nop := zerolog.Nop()
	sig := signals.NewEngine(cfg.Signals, cfg.Filters, s.timeframe, cfg.Risk.ATRPeriod, nil, nop)
	siz := sizing.NewEngine(cfg.Sizing, cfg.Signals, cfg.Risk, cfg.Liquidity, s.timeframe, nop)

	symbols := make([]string, 0, len(bars))
	for sym := range bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	clock := buildClock(bars, end.UnixMilli())
	if len(clock) < 2 {
		return Backtest{Equity: []float64{1}}
	}

	window := signalWindow(cfg.Signals)
	band := cfg.Execution.MinRebalanceDeltaBPS / 1e4
	perSideBPS := s.costs.FeeBPS + s.costs.SlippageBPS
	fundingFrac := s.costs.FundingBPSDaily / 1e4 * s.tf.Hours() / 24

	startMS, endMS := start.UnixMilli(), end.UnixMilli()
	idx := make(map[string]int, len(symbols))
	lastClose := make(map[string]float64, len(symbols))

	held := domain.TargetWeights{}
	equity := []float64{1}
	eq := 1.0
	var grossReturns, costsOut, netReturns []float64
	var turnoverSum float64

	for ci := 0; ci < len(clock)-1; ci++ {
		ts, next := clock[ci], clock[ci+1]
		barsView := make(map[string][]domain.Bar, len(symbols))
		for _, sym := range symbols {
			series := bars[sym]
			i := idx[sym]
			for i < len(series) && series[i].TS <= ts {
				i++
			}
			idx[sym] = i
			if i == 0 {
				continue
			}
			lo := i - window
			if lo < 0 {
				lo = 0
			}
			barsView[sym] = series[lo:i]
			lastClose[sym] = series[i-1].Close
		}
		if ts < startMS || next > endMS {
			continue
		}

		rows := sig.Compute(time.UnixMilli(ts).UTC(), symbols, barsView, nil)
		target := siz.Compute(sizing.Inputs{
			Rows:        rows.Rows,
			Equity:      simNotionalUSD * eq,
			Instruments: instruments,
			Bars:        barsView,
			ProxyBars:   barsView[cfg.Sizing.VolatilityRegime.ProxySymbol],
		})

		// The live planner skips deltas inside the churn band; mirror that
		// here so turnover and costs match what execution would do.
		book := held.Clone()
		for sym := range book {
			if _, ok := target[sym]; !ok {
				target[sym] = 0
			}
		}
		var turnover float64
		for sym, tw := range target {
			hw := book[sym]
			if math.Abs(tw-hw) < band {
				continue
			}
			turnover += math.Abs(tw - hw)
			if tw == 0 {
				delete(book, sym)
			} else {
				book[sym] = tw
			}
		}
		held = book

		var gross float64
		for sym, w := range held {
			prev := lastClose[sym]
			if prev <= 0 {
				continue
			}
			if nb, ok := barAt(bars[sym], idx[sym], next); ok && nb.Close > 0 {
				gross += w * (nb.Close/prev - 1)
			}
		}
		cost := turnover*perSideBPS/1e4 + held.Gross()*fundingFrac
		net := gross - cost

		grossReturns = append(grossReturns, gross)
		costsOut = append(costsOut, cost)
		netReturns = append(netReturns, net)
		turnoverSum += turnover
		eq *= 1 + net
		equity = append(equity, eq)
	}

	m := Metrics{Bars: len(netReturns)}
	m.Sharpe = deref(formulas.CalculateSharpeRatio(netReturns, 0, s.barsPerYear))
	m.Annualized = deref(formulas.CalculateAnnualizedReturn(equity, s.barsPerYear))
	m.MaxDrawdown = deref(formulas.CalculateMaxDrawdown(equity))
	m.Calmar = deref(formulas.CalculateCalmarRatio(equity, s.barsPerYear))
	if m.MaxDrawdown == 0 && m.Annualized == 0 {
		m.Calmar = 0
	}
	if n := len(netReturns); n > 0 {
		m.DailyTurnover = turnoverSum / float64(n) * float64(s.barsPerDay)
	}
	return Backtest{
		GrossReturns: grossReturns,
		Costs:        costsOut,
		NetReturns:   netReturns,
		Equity:       equity,
		Metrics:      m,
	}
}

// buildClock returns the sorted union of bar open times at or before cutoff.
func buildClock(bars map[string][]domain.Bar, cutoff int64) []int64 {
	seen := make(map[int64]struct{})
	for _, series := range bars {
		for _, b := range series {
			if b.TS <= cutoff {
				seen[b.TS] = struct{}{}
			}
		}
	}
	clock := make([]int64, 0, len(seen))
	for ts := range seen {
		clock = append(clock, ts)
	}
	sort.Slice(clock, func(i, j int) bool { return clock[i] < clock[j] })
	return clock
}

// barAt returns the bar with open time ts when the series has one, probing
// forward from hint (the first index after the current clock position).
func barAt(series []domain.Bar, hint int, ts int64) (domain.Bar, bool) {
	for i := hint; i < len(series) && series[i].TS <= ts; i++ {
		if series[i].TS == ts {
			return series[i], true
		}
	}
	return domain.Bar{}, false
}

// signalWindow is the number of trailing bars a configuration needs to form
// a full signal, with slack for ATR and filter warmup.
func signalWindow(cfg config.SignalsConfig) int {
	maxLB := 0
	for _, lb := range cfg.Lookbacks {
		if lb > maxLB {
			maxLB = lb
		}
	}
	w := maxLB + cfg.VolLookback + 64
	if w < 128 {
		w = 128
	}
	return w
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
