// Package optimizer searches the frozen strategy parameter space with a
// TPE-style sampler over purged walk-forward segments, stress-tests the
// surviving candidates with a block bootstrap, and decides whether the best
// one clears the deployment gates against the live baseline.
package optimizer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jbeckert/crosswind/internal/config"
)

// Dimension indices into a trial vector.
const (
	dimSignalPower = iota
	dimTargetAnnVol
	dimGrossLeverage
	dimLookbackShort
	dimLookbackMid
	dimLookbackLong
	dimWeightShort
	dimWeightMid
	dimKMax
	dimEntryZMin
	dimVolLookback
	numDims
)

type paramDef struct {
	Name    string
	Min     float64
	Max     float64
	Integer bool
}

// space is the frozen search surface. Risk safety limits (daily loss cap,
// portfolio drawdown cap, margin thresholds) are not dimensions and Apply
// never writes to them.
var space = [numDims]paramDef{
	dimSignalPower:   {Name: "signal_power", Min: 1.0, Max: 1.5},
	dimTargetAnnVol:  {Name: "target_ann_vol", Min: 0.15, Max: 0.40},
	dimGrossLeverage: {Name: "gross_leverage", Min: 0.75, Max: 1.5},
	dimLookbackShort: {Name: "lookback_short", Min: 12, Max: 48, Integer: true},
	dimLookbackMid:   {Name: "lookback_mid", Min: 48, Max: 120, Integer: true},
	dimLookbackLong:  {Name: "lookback_long", Min: 120, Max: 336, Integer: true},
	dimWeightShort:   {Name: "weight_short", Min: 0.2, Max: 0.6},
	dimWeightMid:     {Name: "weight_mid", Min: 0.1, Max: 0.5},
	dimKMax:          {Name: "k_max", Min: 4, Max: 10, Integer: true},
	dimEntryZMin:     {Name: "entry_zscore_min", Min: 0.2, Max: 0.8},
	dimVolLookback:   {Name: "vol_lookback", Min: 24, Max: 168, Integer: true},
}

// Vector is one point in the search space, indexed by the dim constants.
type Vector [numDims]float64

// clamped snaps every coordinate into its bounds and rounds integer
// dimensions. The result is always a valid point.
func (v Vector) clamped() Vector {
	for d := 0; d < numDims; d++ {
		if v[d] < space[d].Min {
			v[d] = space[d].Min
		}
		if v[d] > space[d].Max {
			v[d] = space[d].Max
		}
		if space[d].Integer {
			v[d] = math.Round(v[d])
		}
	}
	return v
}

// Hash returns a stable human-readable key for the vector, used to pool OOS
// results for the same candidate across segments and to index the bad-combo
// memory. Floats are rounded to four decimals so re-sampled near-identical
// points collapse to one key.
func (v Vector) Hash() string {
	parts := make([]string, 0, numDims)
	for d := 0; d < numDims; d++ {
		if space[d].Integer {
			parts = append(parts, fmt.Sprintf("%s=%d", space[d].Name, int(v[d])))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%.4f", space[d].Name, v[d]))
	}
	return strings.Join(parts, "|")
}

// Params returns the vector as a name → value map for reports and metadata.
func (v Vector) Params() map[string]float64 {
	out := make(map[string]float64, numDims)
	for d := 0; d < numDims; d++ {
		out[space[d].Name] = v[d]
	}
	return out
}

// FromConfig projects the live configuration onto the search space, clamping
// anything outside the frozen bounds. This is the baseline vector every
// candidate must beat.
func FromConfig(cfg *config.Config) Vector {
	var v Vector
	v[dimSignalPower] = cfg.Signals.SignalPower
	v[dimTargetAnnVol] = cfg.Sizing.VolTarget.TargetAnnVol
	v[dimGrossLeverage] = cfg.Sizing.GrossLeverage
	lbs := append([]int(nil), cfg.Signals.Lookbacks...)
	sort.Ints(lbs)
	switch len(lbs) {
	case 0:
		v[dimLookbackShort] = space[dimLookbackShort].Min
		v[dimLookbackMid] = space[dimLookbackMid].Min
		v[dimLookbackLong] = space[dimLookbackLong].Min
	case 1:
		v[dimLookbackShort] = float64(lbs[0])
		v[dimLookbackMid] = space[dimLookbackMid].Min
		v[dimLookbackLong] = space[dimLookbackLong].Min
	case 2:
		v[dimLookbackShort] = float64(lbs[0])
		v[dimLookbackMid] = float64(lbs[1])
		v[dimLookbackLong] = space[dimLookbackLong].Min
	default:
		v[dimLookbackShort] = float64(lbs[0])
		v[dimLookbackMid] = float64(lbs[1])
		v[dimLookbackLong] = float64(lbs[len(lbs)-1])
	}
	ws := cfg.Signals.LookbackWeights
	if len(ws) > 0 {
		v[dimWeightShort] = ws[0]
	}
	if len(ws) > 1 {
		v[dimWeightMid] = ws[1]
	}
	v[dimKMax] = float64(cfg.Signals.KMax)
	v[dimEntryZMin] = cfg.Signals.EntryZScoreMin
	v[dimVolLookback] = float64(cfg.Signals.VolLookback)
	return v.clamped()
}

// Apply writes the vector into a copy of the base configuration and returns
// it. The lookback triple is sorted ascending so short ≤ mid ≤ long holds for
// any sampled point, the long weight is derived so the three sum to one, and
// k_min follows k_max at half its value with a floor of two. Risk limits and
// every other field outside the search space are carried over untouched.
func Apply(base config.Config, v Vector) config.Config {
	v = v.clamped()
	cfg := base

	lbs := []int{int(v[dimLookbackShort]), int(v[dimLookbackMid]), int(v[dimLookbackLong])}
	sort.Ints(lbs)

	ws := v[dimWeightShort]
	wm := v[dimWeightMid]
	wl := 1 - ws - wm
	if wl < 0.05 {
		wl = 0.05
	}
	sum := ws + wm + wl

	cfg.Signals.Lookbacks = lbs
	cfg.Signals.LookbackWeights = []float64{ws / sum, wm / sum, wl / sum}
	cfg.Signals.SignalPower = v[dimSignalPower]
	cfg.Signals.VolLookback = int(v[dimVolLookback])

	kMax := int(v[dimKMax])
	kMin := kMax / 2
	if kMin < 2 {
		kMin = 2
	}
	cfg.Signals.KMin = kMin
	cfg.Signals.KMax = kMax
	cfg.Signals.EntryZScoreMin = v[dimEntryZMin]

	cfg.Sizing.GrossLeverage = v[dimGrossLeverage]
	cfg.Sizing.VolTarget.TargetAnnVol = v[dimTargetAnnVol]
	return cfg
}

// maxSignalBars returns the longest bar window any point in the space can
// need before its first signal: the longest lookback plus the longest vol
// window plus slack for ATR seeding.
func maxSignalBars() int {
	return int(space[dimLookbackLong].Max) + int(space[dimVolLookback].Max) + 64
}
