package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/state"
)

// Notifier receives the report text. May be nil, which skips the job body.
type Notifier interface {
	Send(text string)
}

// DailyReportSchedule posts shortly after the UTC day rolls so the report
// covers a complete day.
const DailyReportSchedule = "0 5 0 * * *"

// DailyReportJob summarizes the account into one notifier message: equity
// and its day-over-day change, open positions, gate state and funding
// costs.
type DailyReportJob struct {
	store    *state.Store
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// NewDailyReportJob creates the report job.
func NewDailyReportJob(store *state.Store, notifier Notifier, log zerolog.Logger) *DailyReportJob {
	return &DailyReportJob{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("job", "daily_report").Logger(),
		now:      time.Now,
	}
}

// Name returns the job name.
func (j *DailyReportJob) Name() string {
	return "daily_report"
}

// Run composes and sends the report.
func (j *DailyReportJob) Run() error {
	now := j.now().UTC()
	if j.notifier == nil {
		j.log.Debug().Msg("No notifier configured, skipping report")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "daily report %s\n", now.Format("2006-01-02"))

	j.store.View(func(doc *state.Document) {
		n := len(doc.EquityHistory)
		if n == 0 {
			b.WriteString("no equity recorded yet\n")
		} else {
			equity := doc.EquityHistory[n-1].Equity
			fmt.Fprintf(&b, "equity %.2f USDT", equity)
			if n > 1 && doc.EquityHistory[n-2].Equity > 0 {
				prev := doc.EquityHistory[n-2].Equity
				fmt.Fprintf(&b, " (%+.2f%% on the day)", (equity-prev)/prev*100)
			}
			b.WriteByte('\n')
		}

		symbols := make([]string, 0, len(doc.Positions))
		for sym := range doc.Positions {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)

		fmt.Fprintf(&b, "positions (%d)\n", len(symbols))
		for _, sym := range symbols {
			p := doc.Positions[sym]
			fmt.Fprintf(&b, "  %s %+g @ %g", sym, p.Size, p.EntryPrice)
			if p.PendingExit != "" {
				fmt.Fprintf(&b, " (exiting: %s)", p.PendingExit)
			}
			b.WriteByte('\n')
		}

		funding := 0.0
		for _, paid := range doc.FundingPaid {
			funding += paid
		}
		if funding != 0 {
			fmt.Fprintf(&b, "funding paid to date %.2f USDT\n", funding)
		}

		if now.Before(doc.PausedUntil) {
			fmt.Fprintf(&b, "entries paused: %s until %s\n",
				doc.PausedReason, doc.PausedUntil.UTC().Format("15:04 MST"))
		}
		if doc.DrawdownTripped {
			b.WriteString("drawdown gate tripped\n")
		}

		cooldowns := 0
		for _, c := range doc.Cooldowns {
			if c.Active(now) {
				cooldowns++
			}
		}
		if cooldowns > 0 {
			fmt.Fprintf(&b, "cooldowns on %d symbols\n", cooldowns)
		}
	})

	if j.store.EmergencyStopActive() {
		b.WriteString("EMERGENCY STOP file present\n")
	}

	j.notifier.Send(strings.TrimRight(b.String(), "\n"))
	j.log.Info().Msg("Daily report sent")
	return nil
}
