// Package exits implements the fast exit monitor: a short-period loop that
// enforces catastrophic stops, ATR stops, trailing stops, breakeven moves,
// R-multiple profit ladders and time limits on open positions, independently
// of the slower rebalance cycle.
package exits

import (
	"time"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
)

// Reason identifies which exit rule fired.
type Reason string

const (
	ReasonCatastrophic Reason = "catastrophic"
	ReasonStop         Reason = "stop"
	ReasonTrailingStop Reason = "trailing_stop"
	ReasonProfitTarget Reason = "profit_target"
	ReasonTimeLimit    Reason = "time_limit"
	ReasonNoProgress   Reason = "no_progress"
)

// Decision is the outcome of evaluating one position against the latest
// stop-timeframe bar. A zero Reason means hold; stop maintenance fields may
// still be set and must be applied.
type Decision struct {
	Reason    Reason
	FullClose bool
	ExitFrac  float64 // fraction of current size to close, 1 for full exits
	TargetIdx int     // profit-target level consumed, -1 otherwise

	NewStop      float64 // >0: move the stop here
	NewHighWater float64 // >0: advance the high-water mark
	SetBreakeven bool
}

// Exit reports whether any exit rule fired.
func (d Decision) Exit() bool {
	return d.Reason != ""
}

// Evaluate runs the exit rules for one position in precedence order:
// catastrophic stop, current stop cross, trailing-stop maintenance,
// breakeven arm, profit targets, time limit, no-progress. The first exit
// rule that fires wins; maintenance results are carried alongside partial
// exits so a single state write applies both.
//
// atr is the current ATR on the stop timeframe; it may be zero when the
// bar window is too short, in which case ATR-anchored rules fall back to
// the ATR captured at entry.
func Evaluate(pos *domain.Position, bar domain.Bar, atr float64, risk config.RiskConfig, now time.Time) Decision {
	d := Decision{TargetIdx: -1}
	dir := pos.Direction()
	if dir == 0 || !bar.Valid() {
		return d
	}

	entryATR := pos.EntryATR
	if entryATR <= 0 {
		entryATR = atr
	}

	// 1. Catastrophic: adverse excursion from entry beyond the wide stop.
	if risk.CatastrophicATRMult > 0 && entryATR > 0 {
		level := pos.EntryPrice - dir*risk.CatastrophicATRMult*entryATR
		if crossed(dir, bar, level) {
			d.Reason = ReasonCatastrophic
			d.FullClose = true
			d.ExitFrac = 1
			return d
		}
	}

	// 2. Current stop cross. The stop may have been trailed or moved to
	// breakeven by earlier ticks; the reason distinguishes the two.
	if pos.StopPrice > 0 && crossed(dir, bar, pos.StopPrice) {
		d.Reason = stopReason(pos, dir)
		d.FullClose = true
		d.ExitFrac = 1
		return d
	}

	price := bar.Close

	// 3. Trailing maintenance: ratchet the high-water mark and pull the
	// stop behind it. The stop never retreats.
	highWater := pos.HighWater
	if highWater == 0 {
		highWater = pos.EntryPrice
	}
	if best := bestExcursion(dir, bar); (best-highWater)*dir > 0 {
		highWater = best
		d.NewHighWater = highWater
	}
	if risk.TrailingEnabled && risk.TrailATRMult > 0 && atr > 0 {
		candidate := highWater - dir*risk.TrailATRMult*atr
		if cur := effectiveStop(pos, d); cur == 0 || (candidate-cur)*dir > 0 {
			d.NewStop = candidate
		}
	}

	// 4. Breakeven arm, once.
	if risk.BreakevenAfterR > 0 && !pos.BreakevenSet && pos.UnrealizedR(price) >= risk.BreakevenAfterR {
		d.SetBreakeven = true
		if cur := effectiveStop(pos, d); cur == 0 || (pos.EntryPrice-cur)*dir > 0 {
			d.NewStop = pos.EntryPrice
		}
	}

	// 5. Profit ladder: consume the first untaken level the price reached.
	r := pos.UnrealizedR(price)
	for idx, target := range risk.ProfitTargets {
		if target.RMultiple <= 0 || pos.TargetTaken(idx) {
			continue
		}
		if r >= target.RMultiple {
			d.Reason = ReasonProfitTarget
			d.TargetIdx = idx
			d.ExitFrac = target.ExitPct / 100
			if d.ExitFrac >= 1 {
				d.FullClose = true
				d.ExitFrac = 1
			}
			return d
		}
	}

	// 6. Time limit.
	if risk.MaxHoursInTrade > 0 {
		deadline := pos.EntryTime.Add(time.Duration(risk.MaxHoursInTrade * float64(time.Hour)))
		if now.After(deadline) {
			d.Reason = ReasonTimeLimit
			d.FullClose = true
			d.ExitFrac = 1
			return d
		}
	}

	// 7. No-progress: held long enough yet going nowhere.
	np := risk.NoProgress
	if np.Enabled && np.MinHoldMinutes > 0 {
		held := now.Sub(pos.EntryTime)
		if held > time.Duration(np.MinHoldMinutes)*time.Minute && abs(r) < np.MaxAbsR {
			d.Reason = ReasonNoProgress
			d.FullClose = true
			d.ExitFrac = 1
		}
	}
	return d
}

// crossed reports whether the bar's adverse extreme reached the level:
// the low at or under it for longs, the high at or over it for shorts.
func crossed(dir float64, bar domain.Bar, level float64) bool {
	if level <= 0 {
		return false
	}
	if dir > 0 {
		return bar.Low <= level
	}
	return bar.High >= level
}

// bestExcursion returns the bar's favorable extreme: the high for longs,
// the low for shorts.
func bestExcursion(dir float64, bar domain.Bar) float64 {
	if dir > 0 {
		return bar.High
	}
	return bar.Low
}

// effectiveStop is the stop after any move already decided this tick.
func effectiveStop(pos *domain.Position, d Decision) float64 {
	if d.NewStop > 0 {
		return d.NewStop
	}
	return pos.StopPrice
}

// stopReason classifies a stop cross: a stop still at its entry-derived
// level is an initial stop-loss, one moved into profit is a trailing stop.
func stopReason(pos *domain.Position, dir float64) Reason {
	if pos.InitialRisk <= 0 {
		if pos.BreakevenSet {
			return ReasonTrailingStop
		}
		return ReasonStop
	}
	initial := pos.EntryPrice - dir*pos.InitialRisk
	if (pos.StopPrice-initial)*dir > initial*1e-9 {
		return ReasonTrailingStop
	}
	return ReasonStop
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
