package optimizer

import (
	"math/rand"
	"sort"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// MCStats is the max-drawdown tail of the bootstrapped equity paths, as
// positive fractions.
type MCStats struct {
	Runs        int     `json:"runs"`
	MedianMaxDD float64 `json:"median_max_dd"`
	P95MaxDD    float64 `json:"p95_max_dd"`
	P99MaxDD    float64 `json:"p99_max_dd"`
	WorstMaxDD  float64 `json:"worst_max_dd"`
}

// StressTest resamples the gross return series with a block bootstrap,
// reapplies costs under a uniform perturbation drawn per run, and collects
// the max drawdown of each resampled path. Blocks keep short-range
// autocorrelation that a plain shuffle would destroy; perturbing costs
// instead of returns stresses the assumption the backtest is most wrong
// about.
func StressTest(gross, costs []float64, cfg config.MonteCarloConfig, seed int64) MCStats {
	n := len(gross)
	if n == 0 || len(costs) != n {
		return MCStats{}
	}
	runs := cfg.Runs
	if runs <= 0 {
		runs = 100
	}
	block := cfg.BlockBars
	if block <= 0 || block > n {
		block = n
	}

	rng := rand.New(rand.NewSource(seed))
	dds := make([]float64, 0, runs)
	for run := 0; run < runs; run++ {
		perturb := 1 + (rng.Float64()*2-1)*cfg.CostPerturbRange
		eq, peak, maxDD := 1.0, 1.0, 0.0
		for got := 0; got < n; {
			start := rng.Intn(n - block + 1)
			for j := 0; j < block && got < n; j++ {
				eq *= 1 + gross[start+j] - costs[start+j]*perturb
				if eq > peak {
					peak = eq
				}
				if peak > 0 {
					if dd := (peak - eq) / peak; dd > maxDD {
						maxDD = dd
					}
				}
				got++
			}
		}
		dds = append(dds, maxDD)
	}
	sort.Float64s(dds)
	return MCStats{
		Runs:        runs,
		MedianMaxDD: formulas.Quantile(0.5, dds),
		P95MaxDD:    formulas.Quantile(0.95, dds),
		P99MaxDD:    formulas.Quantile(0.99, dds),
		WorstMaxDD:  dds[len(dds)-1],
	}
}
