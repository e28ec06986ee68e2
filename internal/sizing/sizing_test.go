package sizing

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/signals"
)

// testEngine builds an engine with every optional stage off; each test
// switches on the stage it exercises.
func testEngine(mutate func(*config.Config)) *Engine {
	cfg := config.Default()
	cfg.Signals.KMin = 4
	cfg.Signals.KMax = 4
	cfg.Signals.MarketNeutral = false
	cfg.Sizing.GrossLeverage = 1
	cfg.Sizing.MaxWeightPerAsset = 1
	cfg.Sizing.NotionalCapUSDT = 0
	cfg.Sizing.MaxOpenPositionsHard = 20
	cfg.Sizing.VolTarget.Enabled = false
	cfg.Sizing.Kelly.Enabled = false
	cfg.Sizing.Correlation.Enabled = false
	cfg.Sizing.VolatilityRegime.Enabled = false
	cfg.Liquidity.ADVCapPct = 0
	cfg.Risk.SizingMode = config.SizingModeInverseVol
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg.Sizing, cfg.Signals, cfg.Risk, cfg.Liquidity, "1h", zerolog.Nop())
}

func liveRow(symbol string, signal, vol float64) signals.Row {
	return signals.Row{
		Symbol:     symbol,
		ZScore:     signal,
		Signal:     signal,
		Volatility: vol,
		ATR:        1,
		Price:      100,
	}
}

// barsFromReturns builds hourly bars whose closes realize the given simple
// returns exactly.
func barsFromReturns(start float64, rets []float64) []domain.Bar {
	bars := make([]domain.Bar, len(rets)+1)
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	price := start
	for i := range bars {
		if i > 0 {
			price *= 1 + rets[i-1]
		}
		bars[i] = domain.Bar{
			TS:     ts + int64(i)*int64(time.Hour/time.Millisecond),
			Open:   price,
			High:   price + 0.5,
			Low:    price - 0.5,
			Close:  price,
			Volume: 1000,
		}
	}
	return bars
}

func alternating(n int, magnitude float64) []float64 {
	rets := make([]float64, n)
	for i := range rets {
		if i%2 == 0 {
			rets[i] = magnitude
		} else {
			rets[i] = -magnitude
		}
	}
	return rets
}

func TestTwoSymbolToyBook(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Signals.MarketNeutral = true
		cfg.Signals.KMin = 1
		cfg.Signals.KMax = 1
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 0.7, 0.01),
		liveRow("B/USDT:USDT", -0.7, 0.01),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000})

	require.Len(t, w, 2)
	assert.InDelta(t, 0.5, w["A/USDT:USDT"], 1e-9)
	assert.InDelta(t, -0.5, w["B/USDT:USDT"], 1e-9)
	assert.InDelta(t, 1.0, w.Gross(), 1e-9)
	assert.InDelta(t, 0.0, w.Net(), 1e-12)
}

func TestInverseVolRatios(t *testing.T) {
	engine := testEngine(nil)
	// Identical long signals, B with twice the volatility of A.
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 1, 0.01),
		liveRow("B/USDT:USDT", 1, 0.02),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000})

	require.Len(t, w, 2)
	assert.InDelta(t, 2.0, w["A/USDT:USDT"]/w["B/USDT:USDT"], 1e-9)
	assert.InDelta(t, 1.0, w.Gross(), 1e-9)
	assert.InDelta(t, 2.0/3.0, w["A/USDT:USDT"], 1e-9)
}

func TestFixedRiskWeights(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Risk.SizingMode = config.SizingModeFixedRisk
		cfg.Risk.RiskPerTradePct = 1
		cfg.Risk.ATRMultSL = 2
	})
	long := liveRow("A/USDT:USDT", 1, 0.01)
	long.ATR = 2
	long.Price = 100
	short := liveRow("B/USDT:USDT", -1, 0.01)
	short.ATR = 5
	short.Price = 200

	equity := 10_000.0
	w := engine.Compute(Inputs{Rows: []signals.Row{long, short}, Equity: equity})

	// w = risk_frac · price / stop_distance, no re-normalization upward.
	require.Len(t, w, 2)
	assert.InDelta(t, 0.25, w["A/USDT:USDT"], 1e-9)
	assert.InDelta(t, -0.20, w["B/USDT:USDT"], 1e-9)

	// Loss at the stop equals 1% of equity for each position.
	lossA := math.Abs(w["A/USDT:USDT"]) * equity * (2 * 2 / 100.0)
	assert.InDelta(t, 100, lossA, 1e-9)
}

func TestFixedRiskSkipsRowsWithoutATR(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Risk.SizingMode = config.SizingModeFixedRisk
	})
	broken := liveRow("A/USDT:USDT", 1, 0.01)
	broken.ATR = 0

	w := engine.Compute(Inputs{Rows: []signals.Row{broken}, Equity: 10_000})
	assert.Empty(t, w)
}

func TestPerAssetAndNotionalCaps(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.MaxWeightPerAsset = 0.3
		cfg.Sizing.NotionalCapUSDT = 2_000
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 1, 0.01),
		liveRow("B/USDT:USDT", -1, 0.01),
	}

	// Notional cap 2000/10000 = 0.2 is tighter than the 0.3 static cap.
	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000})
	assert.InDelta(t, 0.2, w["A/USDT:USDT"], 1e-9)
	assert.InDelta(t, -0.2, w["B/USDT:USDT"], 1e-9)
}

func TestADVCapBindsOnThinMarkets(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.MaxWeightPerAsset = 0.5
		cfg.Liquidity.ADVCapPct = 0.5
	})
	rows := []signals.Row{
		liveRow("THIN/USDT:USDT", 1, 0.01),
		liveRow("DEEP/USDT:USDT", -1, 0.01),
	}
	instruments := map[string]domain.Instrument{
		"THIN/USDT:USDT": {Symbol: "THIN/USDT:USDT", Volume24hUSD: 100_000},
		"DEEP/USDT:USDT": {Symbol: "DEEP/USDT:USDT", Volume24hUSD: 500_000_000},
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, Instruments: instruments})

	// 0.5% of 100k volume over 10k equity caps the thin name at 0.05.
	assert.InDelta(t, 0.05, w["THIN/USDT:USDT"], 1e-9)
	assert.InDelta(t, -0.5, w["DEEP/USDT:USDT"], 1e-9)
}

func TestVolTargetClipsAtMinScale(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Signals.MarketNeutral = true
		cfg.Sizing.VolTarget = config.VolTargetConfig{
			Enabled:       true,
			TargetAnnVol:  0.10,
			LookbackHours: 48,
			MinScale:      0.5,
			MaxScale:      1.5,
		}
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 1, 0.01),
		liveRow("B/USDT:USDT", -1, 0.01),
	}
	bars := map[string][]domain.Bar{
		// A swings ±2% per hour, B barely moves: realized vol far above target.
		"A/USDT:USDT": barsFromReturns(100, alternating(80, 0.02)),
		"B/USDT:USDT": barsFromReturns(100, alternating(80, 0.0001)),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, Bars: bars})

	assert.InDelta(t, 0.5, w.Gross(), 1e-9, "scale clipped at min_scale")
	assert.InDelta(t, 0.25, w["A/USDT:USDT"], 1e-9)
}

func TestVolTargetSkippedWithoutHistory(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.VolTarget = config.VolTargetConfig{
			Enabled:       true,
			TargetAnnVol:  0.10,
			LookbackHours: 48,
			MinScale:      0.5,
			MaxScale:      1.5,
		}
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 1, 0.01),
		liveRow("B/USDT:USDT", -1, 0.01),
	}
	bars := map[string][]domain.Bar{
		"A/USDT:USDT": barsFromReturns(100, alternating(5, 0.02)),
		"B/USDT:USDT": barsFromReturns(100, alternating(5, 0.02)),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, Bars: bars})
	assert.InDelta(t, 1.0, w.Gross(), 1e-9, "too few samples, book untouched")
}

type fakeStatsProvider map[string]domain.SymbolStats

func (f fakeStatsProvider) Stats(symbol string) (domain.SymbolStats, bool) {
	s, ok := f[symbol]
	return s, ok
}

func TestKellyMultiplierScalesProvenSymbols(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.Kelly = config.KellyConfig{
			Enabled:   true,
			Fraction:  0.5,
			MaxMult:   1.5,
			MinTrades: 10,
		}
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 1, 0.01),
		liveRow("B/USDT:USDT", -1, 0.01),
	}
	stats := fakeStatsProvider{
		// p=0.6, b=2 → f* = 0.6 − 0.4/2 = 0.4 → mult = 0.5·0.4 = 0.2.
		"A/USDT:USDT": {
			Trades: 20, Wins: 8, Losses: 10,
			WinRateEMA:  0.6,
			GrossProfit: 16, GrossLoss: 10,
		},
		// Too few trades to judge: full size.
		"B/USDT:USDT": {Trades: 3, WinRateEMA: 0, GrossLoss: 3, Losses: 3},
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, Stats: stats})

	assert.InDelta(t, 0.1, w["A/USDT:USDT"], 1e-9)
	assert.InDelta(t, -0.5, w["B/USDT:USDT"], 1e-9)
}

func TestKellyStandsAsideAfterPureLosses(t *testing.T) {
	st := domain.SymbolStats{Trades: 15, Losses: 15, GrossLoss: 30, WinRateEMA: 0}
	mult := kellyMultiplier(st, config.KellyConfig{Fraction: 0.5, MaxMult: 1.5})
	assert.Zero(t, mult)
}

func TestVolRegimeScalesBookDown(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.VolatilityRegime = config.VolatilityRegimeConfig{
			Enabled:          true,
			ProxySymbol:      "BTC/USDT:USDT",
			ATRPeriod:        14,
			BaselineLookback: 10,
			HighVolMult:      1.5,
			MaxScaleDown:     0.3,
		}
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 1, 0.01),
		liveRow("B/USDT:USDT", -1, 0.01),
	}

	// Proxy: flat two-point ranges, then three bars of violent expansion.
	proxy := barsFromReturns(100, alternating(40, 0))
	for i := range proxy {
		proxy[i].High = proxy[i].Close + 1
		proxy[i].Low = proxy[i].Close - 1
	}
	for i := len(proxy) - 3; i < len(proxy); i++ {
		proxy[i].High = proxy[i].Close + 30
		proxy[i].Low = proxy[i].Close - 30
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, ProxyBars: proxy})

	// The expansion ratio is far past 2× the threshold, so the scale
	// bottoms out at max_scale_down.
	assert.InDelta(t, 0.3, w.Gross(), 1e-9)

	// A calm proxy leaves the book alone.
	calm := barsFromReturns(100, alternating(40, 0))
	w = engine.Compute(Inputs{Rows: rows, Equity: 10_000, ProxyBars: calm})
	assert.InDelta(t, 1.0, w.Gross(), 1e-9)
}

func TestCorrelationLimiterDropsCluster(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.Correlation = config.CorrelationConfig{
			Enabled:              true,
			LookbackHours:        48,
			MaxAllowedCorr:       0.8,
			MaxHighCorrPositions: 1,
		}
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 3, 0.01),
		liveRow("B/USDT:USDT", 2, 0.0125),
		liveRow("C/USDT:USDT", 1, 0.02),
	}
	twin := alternating(60, 0.01)
	doublePeriod := make([]float64, 60)
	for i := range doublePeriod {
		if (i/2)%2 == 0 {
			doublePeriod[i] = 0.01
		} else {
			doublePeriod[i] = -0.01
		}
	}
	bars := map[string][]domain.Bar{
		"A/USDT:USDT": barsFromReturns(100, twin),
		"B/USDT:USDT": barsFromReturns(200, twin),
		"C/USDT:USDT": barsFromReturns(50, doublePeriod),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, Bars: bars})

	assert.Contains(t, w, "A/USDT:USDT", "largest weight always survives")
	assert.NotContains(t, w, "B/USDT:USDT", "perfectly correlated with a bigger position")
	assert.Contains(t, w, "C/USDT:USDT", "uncorrelated names stay")
}

func TestCorrelationLimiterKeepsHedges(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.Correlation = config.CorrelationConfig{
			Enabled:              true,
			LookbackHours:        48,
			MaxAllowedCorr:       0.8,
			MaxHighCorrPositions: 1,
		}
	})
	// Same co-moving series, but B is short: position returns anti-correlate.
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 3, 0.01),
		liveRow("B/USDT:USDT", -2, 0.0125),
	}
	twin := alternating(60, 0.01)
	bars := map[string][]domain.Bar{
		"A/USDT:USDT": barsFromReturns(100, twin),
		"B/USDT:USDT": barsFromReturns(200, twin),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000, Bars: bars})
	assert.Contains(t, w, "A/USDT:USDT")
	assert.Contains(t, w, "B/USDT:USDT")
}

func TestHardPositionCapKeepsLargest(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Sizing.MaxOpenPositionsHard = 2
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 2, 0.01),
		liveRow("B/USDT:USDT", 1, 0.02),
		liveRow("C/USDT:USDT", -1, 0.02),
		liveRow("D/USDT:USDT", -2, 0.01),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000})

	require.Len(t, w, 2)
	assert.Contains(t, w, "A/USDT:USDT")
	assert.Contains(t, w, "D/USDT:USDT")
}

func TestDynamicKWidensWithDispersion(t *testing.T) {
	makeRows := func(z float64) []signals.Row {
		return []signals.Row{
			liveRow("A/USDT:USDT", z, 0.01),
			liveRow("B/USDT:USDT", z, 0.01),
			liveRow("C/USDT:USDT", z, 0.01),
			liveRow("D/USDT:USDT", -z, 0.01),
			liveRow("E/USDT:USDT", -z, 0.01),
			liveRow("F/USDT:USDT", -z, 0.01),
		}
	}
	engine := testEngine(func(cfg *config.Config) {
		cfg.Signals.KMin = 1
		cfg.Signals.KMax = 3
	})

	tight := engine.Compute(Inputs{Rows: makeRows(0.3), Equity: 10_000})
	assert.Equal(t, 2, tight.NonZero(), "low dispersion concentrates to k_min per side")

	mid := engine.Compute(Inputs{Rows: makeRows(1.0), Equity: 10_000})
	assert.Equal(t, 4, mid.NonZero())

	wide := engine.Compute(Inputs{Rows: makeRows(1.8), Equity: 10_000})
	assert.Equal(t, 6, wide.NonZero(), "high dispersion spreads to k_max per side")
}

func TestMarketNeutralInvariantHolds(t *testing.T) {
	engine := testEngine(func(cfg *config.Config) {
		cfg.Signals.MarketNeutral = true
		cfg.Signals.KMin = 2
		cfg.Signals.KMax = 2
		cfg.Sizing.MaxWeightPerAsset = 0.5
	})
	rows := []signals.Row{
		liveRow("A/USDT:USDT", 3, 0.01),
		liveRow("B/USDT:USDT", 1, 0.01),
		liveRow("C/USDT:USDT", -1, 0.02),
	}

	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000})

	assert.InDelta(t, 0, w.Net(), 1e-12)
	assert.InDelta(t, 1.0, w.Gross(), 1e-9)
	for sym, v := range w {
		assert.LessOrEqual(t, math.Abs(v), 0.5+1e-12, sym)
	}
}

func TestNoLiveRowsProduceEmptyBook(t *testing.T) {
	engine := testEngine(nil)
	rows := []signals.Row{
		{Symbol: "A/USDT:USDT", FilteredBy: "regime"},
	}
	w := engine.Compute(Inputs{Rows: rows, Equity: 10_000})
	assert.Empty(t, w)
}
