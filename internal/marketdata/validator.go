package marketdata

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/pkg/formulas"
)

// Validation check names, used as the "check" log field.
const (
	CheckOHLC  = "ohlc"
	CheckOrder = "order"
	CheckGap   = "gap"
	CheckSpike = "spike"
)

// Flag marks one suspicious bar.
type Flag struct {
	TS     int64
	Check  string
	Detail string
}

// Report summarises validation of one symbol's bar series. Validation never
// fails hard; the engine consults OK to skip an instrument for the cycle.
type Report struct {
	Symbol    string
	Timeframe string
	Bars      int
	Missing   int     // in-range missing bars
	GapRatio  float64 // Missing / (Bars + Missing)
	Flags     []Flag
	OK        bool
}

func (r *Report) flag(ts int64, check, detail string) {
	r.Flags = append(r.Flags, Flag{TS: ts, Check: check, Detail: detail})
}

// countByCheck returns how many flags carry the given check name.
func (r *Report) countByCheck(check string) int {
	n := 0
	for _, f := range r.Flags {
		if f.Check == check {
			n++
		}
	}
	return n
}

// Validator screens bar series for malformed candles, missing ranges and
// single-bar price spikes before they feed signal computation.
type Validator struct {
	cfg config.ValidationConfig
	log zerolog.Logger
}

// NewValidator creates a validator with the configured thresholds.
func NewValidator(cfg config.ValidationConfig, log zerolog.Logger) *Validator {
	return &Validator{
		cfg: cfg,
		log: log.With().Str("service", "validator").Logger(),
	}
}

// Validate checks a bar series and returns its report. A disabled validator
// accepts everything.
func (v *Validator) Validate(symbol, timeframe string, bars []domain.Bar) Report {
	report := Report{Symbol: symbol, Timeframe: timeframe, Bars: len(bars), OK: true}
	if !v.cfg.Enabled || len(bars) == 0 {
		return report
	}

	v.checkSanity(bars, &report)
	v.checkGaps(timeframe, bars, &report)
	v.checkSpikes(bars, &report)

	// Malformed candles or too sparse a series make the symbol unusable
	// for this cycle. Spikes alone stay warnings: a violent real move
	// looks the same as a bad print.
	if report.countByCheck(CheckOHLC) > 0 || report.countByCheck(CheckOrder) > 0 {
		report.OK = false
	}
	if v.cfg.MaxGapRatio > 0 && report.GapRatio > v.cfg.MaxGapRatio {
		report.OK = false
	}

	if len(report.Flags) > 0 {
		v.log.Warn().
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Int("bars", report.Bars).
			Int("ohlc", report.countByCheck(CheckOHLC)).
			Int("gaps", report.countByCheck(CheckGap)).
			Int("spikes", report.countByCheck(CheckSpike)).
			Float64("gap_ratio", report.GapRatio).
			Bool("ok", report.OK).
			Msg("Bar validation flagged issues")
	}

	return report
}

func (v *Validator) checkSanity(bars []domain.Bar, report *Report) {
	for _, b := range bars {
		if !b.Valid() {
			report.flag(b.TS, CheckOHLC, fmt.Sprintf("o=%g h=%g l=%g c=%g v=%g", b.Open, b.High, b.Low, b.Close, b.Volume))
		}
		if b.Close <= 0 {
			report.flag(b.TS, CheckOHLC, "non-positive close")
		}
	}
}

func (v *Validator) checkGaps(timeframe string, bars []domain.Bar, report *Report) {
	step := config.TimeframeDuration(timeframe).Milliseconds()
	if step <= 0 || len(bars) < 2 {
		return
	}

	for i := 1; i < len(bars); i++ {
		diff := bars[i].TS - bars[i-1].TS
		if diff <= 0 {
			report.flag(bars[i].TS, CheckOrder, "non-increasing open time")
			continue
		}
		if diff > step {
			missing := int(diff/step) - 1
			report.Missing += missing
			report.flag(bars[i].TS, CheckGap, fmt.Sprintf("%d bars missing before this one", missing))
		}
	}

	if total := report.Bars + report.Missing; total > 0 {
		report.GapRatio = float64(report.Missing) / float64(total)
	}
}

// checkSpikes flags bars whose log return deviates from the trailing window
// mean by more than the configured z-score.
func (v *Validator) checkSpikes(bars []domain.Bar, report *Report) {
	window := v.cfg.SpikeWindow
	if v.cfg.SpikeZScoreMax <= 0 || window < 2 || len(bars) < window+2 {
		return
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	rets := formulas.LogReturns(closes) // rets[i] is the return into bars[i+1]

	for i := window; i < len(rets); i++ {
		trailing := rets[i-window : i]
		mean := formulas.Mean(trailing)
		sigma := formulas.StdDev(trailing)
		if sigma < 1e-9 {
			sigma = 1e-9
		}
		z := (rets[i] - mean) / sigma
		if math.Abs(z) > v.cfg.SpikeZScoreMax {
			report.flag(bars[i+1].TS, CheckSpike, fmt.Sprintf("return z-score %.1f", z))
		}
	}
}
