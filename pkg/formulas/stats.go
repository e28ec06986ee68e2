// Package formulas provides the statistical and technical building blocks
// used by the signal, sizing and optimizer packages. All functions are pure
// and operate on plain float64 slices so they are trivially testable.
package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// epsilon floor applied to standard deviations before division.
const sigmaFloor = 1e-9

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Median returns the median of the values. Input is not modified.
func Median(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Quantile returns the p-quantile (0..1) of the values. Input is not modified.
func Quantile(p float64, data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// CalculateReturns converts prices to simple percentage returns
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	return returns
}

// LogReturns converts prices to log returns, skipping non-positive prices.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	return returns
}

// AnnualizedVolatility calculates annualized volatility from periodic returns
// Formula: StdDev(returns) × sqrt(periodsPerYear)
func AnnualizedVolatility(returns []float64, periodsPerYear int) float64 {
	if len(returns) < 2 {
		return 0
	}
	return StdDev(returns) * math.Sqrt(float64(periodsPerYear))
}

// ZScores computes cross-sectional z-scores for one observation per asset.
// The standard deviation is floored at a small epsilon so a degenerate
// cross-section (all values equal) yields zeros rather than Inf.
func ZScores(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	mu := Mean(values)
	sigma := StdDev(values)
	if sigma < sigmaFloor {
		sigma = sigmaFloor
	}
	scores := make([]float64, len(values))
	for i, v := range values {
		scores[i] = (v - mu) / sigma
	}
	return scores
}

// Correlation returns the Pearson correlation of two equal-length return
// series, or 0 when either series is degenerate.
func Correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	if StdDev(a) < sigmaFloor || StdDev(b) < sigmaFloor {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

// RollingMean returns the mean of the trailing window; when fewer than
// window values exist it averages what is available.
func RollingMean(data []float64, window int) float64 {
	if len(data) == 0 || window <= 0 {
		return 0
	}
	if window > len(data) {
		window = len(data)
	}
	return Mean(data[len(data)-window:])
}
