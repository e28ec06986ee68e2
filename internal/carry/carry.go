// Package carry computes the optional funding/basis carry sleeve. The
// sleeve shorts perpetuals whose longs pay (positive funding, rich basis)
// and longs the inverse, producing a second set of target weights blended
// into the momentum book.
package carry

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// Engine scores the cross-section on carry and emits sleeve weights.
type Engine struct {
	cfg config.CarryConfig
	log zerolog.Logger
}

// NewEngine builds the carry sleeve from config.
func NewEngine(cfg config.CarryConfig, log zerolog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		log: log.With().Str("service", "carry").Logger(),
	}
}

// Enabled reports whether the sleeve participates in sizing.
func (e *Engine) Enabled() bool {
	return e.cfg.Enabled && e.cfg.BudgetFrac > 0
}

// BudgetFrac returns the gross share allocated to the sleeve, clamped to
// [0, 1].
func (e *Engine) BudgetFrac() float64 {
	return math.Min(math.Max(e.cfg.BudgetFrac, 0), 1)
}

// Weights computes carry sleeve weights across symbols, normalized so the
// sleeve's gross equals the given target. Symbols without funding data are
// skipped. Returns an empty map when the sleeve is disabled or the
// cross-section carries no signal.
func (e *Engine) Weights(symbols []string, funding map[string]domain.FundingSnapshot, tickers map[string]domain.Ticker, gross float64) domain.TargetWeights {
	out := make(domain.TargetWeights)
	if !e.Enabled() || gross <= 0 {
		return out
	}

	eligible := make([]string, 0, len(symbols))
	fundingRates := make([]float64, 0, len(symbols))
	bases := make([]float64, 0, len(symbols))
	for _, sym := range symbols {
		f, ok := funding[sym]
		if !ok {
			continue
		}
		eligible = append(eligible, sym)
		fundingRates = append(fundingRates, f.Rate)
		bases = append(bases, basisFrac(tickers[sym]))
	}
	if len(eligible) < 2 {
		return out
	}

	fundingZ := formulas.ZScores(fundingRates)
	basisZ := formulas.ZScores(bases)

	for i, sym := range eligible {
		// Positive funding or rich basis means longs pay: go short to
		// collect, hence the negated score.
		score := -(e.cfg.FundingWeight*fundingZ[i] + e.cfg.BasisWeight*basisZ[i])
		if math.Abs(score) > 1e-12 {
			out[sym] = score
		}
	}
	if sleeveGross := out.Gross(); sleeveGross > 0 {
		out.Scale(gross / sleeveGross)
	}

	e.log.Debug().
		Int("eligible", len(eligible)).
		Int("weighted", len(out)).
		Float64("gross", out.Gross()).
		Msg("carry sleeve computed")
	return out
}

// Blend mixes the momentum and carry sleeves:
// final = (1-frac)*momentum + frac*carry. Caps are re-applied by the caller
// because the blend can concentrate weight that each sleeve alone kept
// under its limits.
func Blend(momentum, carrySleeve domain.TargetWeights, frac float64) domain.TargetWeights {
	frac = math.Min(math.Max(frac, 0), 1)
	if frac == 0 || len(carrySleeve) == 0 {
		return momentum.Clone()
	}

	out := make(domain.TargetWeights, len(momentum)+len(carrySleeve))
	for sym, w := range momentum {
		out[sym] = (1 - frac) * w
	}
	for sym, w := range carrySleeve {
		out[sym] += frac * w
	}
	out.Prune()
	return out
}

// basisFrac returns (mark-index)/index, 0 when either price is missing.
func basisFrac(t domain.Ticker) float64 {
	if t.MarkPrice <= 0 || t.IndexPrice <= 0 {
		return 0
	}
	return (t.MarkPrice - t.IndexPrice) / t.IndexPrice
}
