package domain

import (
	"math"
	"sort"
)

// TargetWeights maps symbol → signed fractional portfolio weight.
// A positive weight is a long target, negative a short target. Weights are
// fractions of equity, so gross leverage is the sum of absolute values.
type TargetWeights map[string]float64

// Gross returns Σ|w|.
func (w TargetWeights) Gross() float64 {
	var gross float64
	for _, v := range w {
		gross += math.Abs(v)
	}
	return gross
}

// Net returns Σw.
func (w TargetWeights) Net() float64 {
	var net float64
	for _, v := range w {
		net += v
	}
	return net
}

// NonZero returns the count of entries with |w| above a dust threshold.
func (w TargetWeights) NonZero() int {
	n := 0
	for _, v := range w {
		if math.Abs(v) > 1e-12 {
			n++
		}
	}
	return n
}

// Prune removes entries with |w| at or below the dust threshold.
func (w TargetWeights) Prune() {
	for sym, v := range w {
		if math.Abs(v) <= 1e-12 {
			delete(w, sym)
		}
	}
}

// Scale multiplies every weight by factor in place.
func (w TargetWeights) Scale(factor float64) {
	for sym := range w {
		w[sym] *= factor
	}
}

// Clone returns a deep copy.
func (w TargetWeights) Clone() TargetWeights {
	out := make(TargetWeights, len(w))
	for sym, v := range w {
		out[sym] = v
	}
	return out
}

// SymbolsByAbsWeight returns symbols ordered by |w| descending, ties broken
// alphabetically so the ordering is deterministic.
func (w TargetWeights) SymbolsByAbsWeight() []string {
	symbols := make([]string, 0, len(w))
	for sym := range w {
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool {
		ai, aj := math.Abs(w[symbols[i]]), math.Abs(w[symbols[j]])
		if ai != aj {
			return ai > aj
		}
		return symbols[i] < symbols[j]
	})
	return symbols
}

// KeepTop retains only the n entries with the largest |w|.
func (w TargetWeights) KeepTop(n int) {
	if len(w) <= n {
		return
	}
	ordered := w.SymbolsByAbsWeight()
	for _, sym := range ordered[n:] {
		delete(w, sym)
	}
}
