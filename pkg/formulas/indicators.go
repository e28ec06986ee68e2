package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// CalculateEMA returns the exponential moving average series for the closes.
// The first length-1 entries are zero (warm-up).
func CalculateEMA(closes []float64, length int) []float64 {
	if len(closes) < length || length <= 0 {
		return nil
	}
	return talib.Ema(closes, length)
}

// CalculateSMA returns the simple moving average series for the closes.
func CalculateSMA(closes []float64, length int) []float64 {
	if len(closes) < length || length <= 0 {
		return nil
	}
	return talib.Sma(closes, length)
}

// CalculateATR calculates the Average True Range and returns the most
// recent value, or nil if there is insufficient data.
//
// ATR Formula:
//
//	TR = max(high-low, |high-prevClose|, |low-prevClose|)
//	ATR = smoothed mean of TR over the period
func CalculateATR(highs, lows, closes []float64, period int) *float64 {
	if len(closes) < period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	atr := talib.Atr(highs, lows, closes, period)
	if len(atr) == 0 {
		return nil
	}
	last := atr[len(atr)-1]
	if isNaN(last) || last <= 0 {
		return nil
	}
	return &last
}

// CalculateATRSeries returns the full ATR series (zeros during warm-up).
func CalculateATRSeries(highs, lows, closes []float64, period int) []float64 {
	if len(closes) < period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return talib.Atr(highs, lows, closes, period)
}

// CalculateADX calculates the Average Directional Index and returns the most
// recent value (0-100), or nil if there is insufficient data.
func CalculateADX(highs, lows, closes []float64, period int) *float64 {
	if len(closes) < 2*period+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	adx := talib.Adx(highs, lows, closes, period)
	if len(adx) == 0 {
		return nil
	}
	last := adx[len(adx)-1]
	if isNaN(last) {
		return nil
	}
	return &last
}

// EMASlopeBPSPerDay measures the trend of an EMA as basis points per day.
//
// The slope is taken over the last slopeBars values of the EMA, normalized
// by the current EMA level, and scaled from per-bar to per-day using
// barsPerDay. A 1h timeframe therefore uses barsPerDay=24.
// Returns nil if there is insufficient data.
func EMASlopeBPSPerDay(closes []float64, emaLen, slopeBars, barsPerDay int) *float64 {
	if slopeBars < 1 || barsPerDay <= 0 {
		return nil
	}
	ema := CalculateEMA(closes, emaLen)
	if ema == nil || len(ema) < emaLen+slopeBars {
		return nil
	}
	latest := ema[len(ema)-1]
	prior := ema[len(ema)-1-slopeBars]
	if latest <= 0 || prior <= 0 {
		return nil
	}
	perBar := (latest - prior) / prior / float64(slopeBars)
	bps := perBar * float64(barsPerDay) * 10000
	if math.IsNaN(bps) || math.IsInf(bps, 0) {
		return nil
	}
	return &bps
}

// isNaN checks if a float64 is NaN
func isNaN(f float64) bool {
	return f != f
}
