package optimizer

import (
	"fmt"
	"time"

	"github.com/jbeckert/crosswind/internal/config"
)

// Segment is one purged walk-forward window. Train and OOS are half-open
// [start, end) intervals with an embargo gap between them so signals formed
// near the train boundary cannot leak into the out-of-sample window.
type Segment struct {
	Index      int
	TrainStart time.Time
	TrainEnd   time.Time
	OOSStart   time.Time
	OOSEnd     time.Time
}

func (s Segment) String() string {
	return fmt.Sprintf("segment %d train [%s, %s) oos [%s, %s)",
		s.Index,
		s.TrainStart.Format("2006-01-02"), s.TrainEnd.Format("2006-01-02"),
		s.OOSStart.Format("2006-01-02"), s.OOSEnd.Format("2006-01-02"))
}

// Segments anchors cfg.Segments windows backward from end, stepping by the
// OOS length so the out-of-sample windows tile the most recent history
// without overlap. Returned in chronological order.
func Segments(end time.Time, cfg config.OptimizerConfig) []Segment {
	n := cfg.Segments
	if n <= 0 {
		n = 1
	}
	train := time.Duration(cfg.TrainDays) * 24 * time.Hour
	oos := time.Duration(cfg.OOSDays) * 24 * time.Hour
	embargo := time.Duration(cfg.EmbargoDays) * 24 * time.Hour

	segs := make([]Segment, n)
	for k := 0; k < n; k++ {
		oosEnd := end.Add(-time.Duration(k) * oos)
		oosStart := oosEnd.Add(-oos)
		trainEnd := oosStart.Add(-embargo)
		segs[n-1-k] = Segment{
			OOSEnd:     oosEnd,
			OOSStart:   oosStart,
			TrainEnd:   trainEnd,
			TrainStart: trainEnd.Add(-train),
		}
	}
	for i := range segs {
		segs[i].Index = i
	}
	return segs
}

// RequiredHistory returns how far before end the bar history must start to
// cover every segment's training window plus the warmup the widest possible
// signal configuration needs.
func RequiredHistory(end time.Time, cfg config.OptimizerConfig) time.Time {
	segs := Segments(end, cfg)
	earliest := segs[0].TrainStart
	tf := config.TimeframeDuration(cfg.Timeframe)
	if tf <= 0 {
		tf = time.Hour
	}
	warmup := time.Duration(maxSignalBars()) * tf
	return earliest.Add(-warmup)
}
