package formulas

import (
	"math"
)

// CalculateSharpeRatio calculates the annualized Sharpe ratio
//
// Formula:
//
//	Sharpe = (mean(returns) - periodic risk-free) / stddev(returns) × sqrt(periodsPerYear)
//
// Returns nil on insufficient data or zero volatility.
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 {
		return nil
	}
	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}
	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sharpe := (Mean(returns) - periodicRiskFree) / stdDev * math.Sqrt(float64(periodsPerYear))
	return &sharpe
}

// CalculateSortinoRatio calculates the annualized Sortino ratio using
// downside deviation below zero. Returns nil on insufficient data or when
// there is no downside at all.
func CalculateSortinoRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 {
		return nil
	}
	var downsideSquares float64
	var n int
	for _, r := range returns {
		if r < 0 {
			downsideSquares += r * r
			n++
		}
	}
	if n == 0 {
		return nil
	}
	downsideDev := math.Sqrt(downsideSquares / float64(len(returns)))
	if downsideDev == 0 {
		return nil
	}
	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sortino := (Mean(returns) - periodicRiskFree) / downsideDev * math.Sqrt(float64(periodsPerYear))
	return &sortino
}

// CalculateAnnualizedReturn computes the compound annual growth rate of an
// equity curve sampled at periodsPerYear points per year.
// Returns nil when the curve is too short or starts at or below zero.
func CalculateAnnualizedReturn(equity []float64, periodsPerYear int) *float64 {
	if len(equity) < 2 || equity[0] <= 0 {
		return nil
	}
	total := equity[len(equity)-1] / equity[0]
	if total <= 0 {
		return nil
	}
	years := float64(len(equity)-1) / float64(periodsPerYear)
	if years <= 0 {
		return nil
	}
	cagr := math.Pow(total, 1/years) - 1
	return &cagr
}

// CalculateMaxDrawdown returns the maximum peak-to-trough decline of an
// equity curve as a positive fraction (0.25 = 25% drawdown).
// Returns nil on insufficient data.
func CalculateMaxDrawdown(equity []float64) *float64 {
	if len(equity) < 2 {
		return nil
	}
	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return &maxDD
}

// DrawdownSeries returns the running drawdown fraction at each point of the
// equity curve (0 at new highs).
func DrawdownSeries(equity []float64) []float64 {
	out := make([]float64, len(equity))
	if len(equity) == 0 {
		return out
	}
	peak := equity[0]
	for i, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = (peak - v) / peak
		}
	}
	return out
}

// CalculateCalmarRatio divides the annualized return of an equity curve by
// its maximum drawdown. Returns nil when either input is undefined; a zero
// drawdown with positive return yields a large capped value rather than Inf.
func CalculateCalmarRatio(equity []float64, periodsPerYear int) *float64 {
	annReturn := CalculateAnnualizedReturn(equity, periodsPerYear)
	maxDD := CalculateMaxDrawdown(equity)
	if annReturn == nil || maxDD == nil {
		return nil
	}
	const calmarCap = 100.0
	if *maxDD == 0 {
		capped := calmarCap
		if *annReturn < 0 {
			capped = -calmarCap
		}
		return &capped
	}
	calmar := *annReturn / *maxDD
	if calmar > calmarCap {
		calmar = calmarCap
	} else if calmar < -calmarCap {
		calmar = -calmarCap
	}
	return &calmar
}

// CalculateProfitFactor returns gross profit divided by gross loss over a
// sequence of trade PnLs. Returns nil with no losing trades (undefined).
func CalculateProfitFactor(tradePnLs []float64) *float64 {
	var grossProfit, grossLoss float64
	for _, pnl := range tradePnLs {
		if pnl > 0 {
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
	}
	if grossLoss == 0 {
		return nil
	}
	pf := grossProfit / grossLoss
	return &pf
}
