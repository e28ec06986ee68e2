package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSharpeRatio(t *testing.T) {
	tests := []struct {
		name           string
		returns        []float64
		riskFreeRate   float64
		periodsPerYear int
		want           float64
		tolerance      float64
		wantNil        bool
	}{
		{
			name:           "positive drift",
			returns:        []float64{0.01, 0.02, 0.03},
			periodsPerYear: 252,
			// mean 0.02, sample stddev 0.01
			want:      2.0 * math.Sqrt(252),
			tolerance: 1e-9,
		},
		{
			name:           "risk free rate subtracted per period",
			returns:        []float64{0.01, 0.02, 0.03},
			riskFreeRate:   2.52,
			periodsPerYear: 252,
			want:           1.0 * math.Sqrt(252),
			tolerance:      1e-9,
		},
		{
			name:           "constant returns have no volatility",
			returns:        []float64{0.01, 0.01, 0.01},
			periodsPerYear: 252,
			wantNil:        true,
		},
		{
			name:           "insufficient data",
			returns:        []float64{0.01},
			periodsPerYear: 252,
			wantNil:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateSharpeRatio(tt.returns, tt.riskFreeRate, tt.periodsPerYear)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, tt.want, *got, tt.tolerance)
		})
	}
}

func TestCalculateSortinoRatio(t *testing.T) {
	returns := []float64{0.02, -0.01, 0.03, -0.02}
	// mean 0.005, downside deviation sqrt(0.0005/4)
	got := CalculateSortinoRatio(returns, 0, 252)
	require.NotNil(t, got)
	assert.InDelta(t, 0.005/math.Sqrt(0.000125)*math.Sqrt(252), *got, 1e-9)

	assert.Nil(t, CalculateSortinoRatio([]float64{0.01, 0.02}, 0, 252))
	assert.Nil(t, CalculateSortinoRatio([]float64{0.01}, 0, 252))
}

func TestCalculateAnnualizedReturn(t *testing.T) {
	tests := []struct {
		name           string
		equity         []float64
		periodsPerYear int
		want           float64
		tolerance      float64
		wantNil        bool
	}{
		{
			name:           "exactly one year",
			equity:         []float64{100, 102, 105, 108, 110},
			periodsPerYear: 4,
			want:           0.10,
			tolerance:      1e-9,
		},
		{
			name:           "half a year compounds",
			equity:         []float64{100, 121},
			periodsPerYear: 2,
			want:           math.Pow(1.21, 2) - 1,
			tolerance:      1e-9,
		},
		{
			name:           "decline",
			equity:         []float64{100, 90},
			periodsPerYear: 1,
			want:           -0.10,
			tolerance:      1e-9,
		},
		{
			name:    "too short",
			equity:  []float64{100},
			wantNil: true,
		},
		{
			name:           "non positive start",
			equity:         []float64{0, 110},
			periodsPerYear: 1,
			wantNil:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateAnnualizedReturn(tt.equity, tt.periodsPerYear)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, tt.want, *got, tt.tolerance)
		})
	}
}

func TestCalculateMaxDrawdown(t *testing.T) {
	got := CalculateMaxDrawdown([]float64{100, 120, 90, 105, 80})
	require.NotNil(t, got)
	assert.InDelta(t, 40.0/120.0, *got, 1e-9)

	got = CalculateMaxDrawdown([]float64{100, 101, 102})
	require.NotNil(t, got)
	assert.Equal(t, 0.0, *got)

	assert.Nil(t, CalculateMaxDrawdown([]float64{100}))
}

func TestDrawdownSeries(t *testing.T) {
	got := DrawdownSeries([]float64{100, 110, 99, 121})
	require.Len(t, got, 4)
	assert.Equal(t, 0.0, got[0])
	assert.Equal(t, 0.0, got[1])
	assert.InDelta(t, 0.1, got[2], 1e-9)
	assert.Equal(t, 0.0, got[3])

	assert.Empty(t, DrawdownSeries(nil))
}

func TestCalculateCalmarRatio(t *testing.T) {
	// Annualized -20% against a one third drawdown.
	got := CalculateCalmarRatio([]float64{100, 120, 90, 105, 80}, 4)
	require.NotNil(t, got)
	assert.InDelta(t, -0.6, *got, 1e-9)

	// Zero drawdown with positive return caps instead of dividing by zero.
	got = CalculateCalmarRatio([]float64{100, 110}, 1)
	require.NotNil(t, got)
	assert.Equal(t, 100.0, *got)

	// Tiny drawdown against a huge return hits the cap.
	got = CalculateCalmarRatio([]float64{100, 1000, 999}, 2)
	require.NotNil(t, got)
	assert.Equal(t, 100.0, *got)

	assert.Nil(t, CalculateCalmarRatio([]float64{100}, 1))
}

func TestCalculateProfitFactor(t *testing.T) {
	got := CalculateProfitFactor([]float64{10, -5, 20, -10})
	require.NotNil(t, got)
	assert.InDelta(t, 2.0, *got, 1e-9)

	got = CalculateProfitFactor([]float64{-10, -5})
	require.NotNil(t, got)
	assert.Equal(t, 0.0, *got)

	// Undefined without a losing trade.
	assert.Nil(t, CalculateProfitFactor([]float64{10, 5}))
	assert.Nil(t, CalculateProfitFactor(nil))
}
