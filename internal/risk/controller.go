package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/state"
)

// Gate names reported in Decision.Reason and in the persisted pause reason.
const (
	ReasonEmergencyStop   = "emergency_stop"
	ReasonMarginHard      = "margin_hard_limit"
	ReasonMarginSoft      = "margin_soft_limit"
	ReasonDailyLoss       = "daily_loss"
	ReasonDrawdown        = "portfolio_drawdown"
	ReasonBreakerOpen     = "api_breaker_open"
	ReasonReconcileFailed = "reconcile_failed"
)

// drawdownResumeFrac sets where the rolling drawdown gate re-arms: entries
// resume once the drawdown has recovered to this fraction of the threshold.
const drawdownResumeFrac = 0.8

// Decision is the outcome of one pre-cycle gate evaluation. A blocked cycle
// is expected control flow, not an error: reduce-only exits and order
// cancels keep running, only new entries stop.
type Decision struct {
	CanEnter  bool
	Liquidate bool      // margin hard limit with the liquidate action
	Reason    string    // first tripped gate, empty when all clear
	ResumeAt  time.Time // zero for condition-based pauses
	Warnings  []string  // long-horizon drawdown warnings, never blocking
}

// Paused reports whether the decision blocks new entries.
func (d Decision) Paused() bool { return !d.CanEnter }

// Controller evaluates the risk gates once per trading cycle. It mutates
// the state document's pause fields, so Evaluate must run inside
// Store.Update.
type Controller struct {
	cfg     config.RiskConfig
	breaker *APIBreaker
	log     zerolog.Logger

	reconcileFailed bool
}

// NewController wires the gate evaluation to the shared API breaker.
func NewController(cfg config.RiskConfig, breaker *APIBreaker, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		breaker: breaker,
		log:     log.With().Str("service", "risk").Logger(),
	}
}

// SetReconcileFailed flags that the last position fetch failed. While set,
// no new orders are placed because the local position view is unverified.
func (c *Controller) SetReconcileFailed(failed bool) {
	c.reconcileFailed = failed
}

// Evaluate runs every gate against the current document and margin info.
// Day anchors and the equity history must already be rolled for now.
func (c *Controller) Evaluate(now time.Time, doc *state.Document, margin domain.MarginInfo, emergencyStop bool) Decision {
	d := Decision{CanEnter: true}
	d.Warnings = c.longTermWarnings(now, doc, margin.Equity)

	if emergencyStop {
		return c.block(d, ReasonEmergencyStop, time.Time{})
	}

	if hard := c.cfg.MarginHardLimitPct; hard > 0 && margin.MarginRatio*100 >= hard {
		d = c.block(d, ReasonMarginHard, time.Time{})
		if c.cfg.MarginAction == config.MarginActionLiquidate {
			d.Liquidate = true
		}
		c.log.Error().
			Float64("margin_ratio", margin.MarginRatio).
			Str("action", c.cfg.MarginAction).
			Msg("margin hard limit breached")
		return d
	}

	if dec, blocked := c.checkDailyLoss(now, doc, margin.Equity, d); blocked {
		return dec
	}
	if dec, blocked := c.checkDrawdown(now, doc, margin.Equity, d); blocked {
		return dec
	}

	// A pause persisted by an earlier cycle (or a crashed process) holds
	// until its deadline even if the triggering condition cleared.
	if now.Before(doc.PausedUntil) {
		return c.block(d, doc.PausedReason, doc.PausedUntil)
	}
	doc.PausedReason = ""

	if c.breaker != nil && c.breaker.Open(now) {
		return c.block(d, ReasonBreakerOpen, c.breaker.OpenUntil())
	}
	if c.reconcileFailed {
		return c.block(d, ReasonReconcileFailed, time.Time{})
	}
	if soft := c.cfg.MarginSoftLimitPct; soft > 0 && margin.MarginRatio*100 >= soft {
		c.log.Warn().
			Float64("margin_ratio", margin.MarginRatio).
			Msg("margin soft limit reached, entries blocked")
		return c.block(d, ReasonMarginSoft, time.Time{})
	}

	return d
}

// checkDailyLoss pauses for the remainder of the UTC day once the loss from
// the day anchor exceeds the limit. The anchor is the day's starting equity,
// or the day's high when daily_loss_trailing is on.
func (c *Controller) checkDailyLoss(now time.Time, doc *state.Document, equity float64, d Decision) (Decision, bool) {
	anchor := doc.Day.StartEquity
	if c.cfg.DailyLossTrailing {
		anchor = doc.Day.HighEquity
	}
	if anchor <= 0 || c.cfg.MaxDailyLossPct <= 0 {
		return d, false
	}

	lossPct := (anchor - equity) / anchor * 100
	if lossPct < c.cfg.MaxDailyLossPct {
		return d, false
	}

	resume := nextUTCMidnight(now)
	if doc.PausedUntil.Before(resume) {
		doc.PausedUntil = resume
		doc.PausedReason = ReasonDailyLoss
		c.log.Error().
			Float64("loss_pct", lossPct).
			Float64("limit_pct", c.cfg.MaxDailyLossPct).
			Time("resume_at", resume).
			Msg("daily loss limit hit, trading paused until UTC midnight")
	}
	return c.block(d, ReasonDailyLoss, resume), true
}

// checkDrawdown blocks entries while the drawdown over the rolling window
// exceeds the limit. Once tripped it stays blocked until the drawdown
// recovers to drawdownResumeFrac of the threshold.
func (c *Controller) checkDrawdown(now time.Time, doc *state.Document, equity float64, d Decision) (Decision, bool) {
	limit := c.cfg.MaxPortfolioDrawdownPct
	if limit <= 0 {
		return d, false
	}

	cutoff := now.AddDate(0, 0, -max(c.cfg.PortfolioDDWindowDays, 1))
	high := doc.HighestEquitySince(cutoff)
	if equity > high {
		high = equity
	}
	if high <= 0 {
		return d, false
	}
	ddPct := (high - equity) / high * 100

	if doc.DrawdownTripped {
		if ddPct <= limit*drawdownResumeFrac {
			doc.DrawdownTripped = false
			c.log.Info().
				Float64("drawdown_pct", ddPct).
				Msg("portfolio drawdown recovered, entries resumed")
			return d, false
		}
		return c.block(d, ReasonDrawdown, time.Time{}), true
	}

	if ddPct >= limit {
		doc.DrawdownTripped = true
		c.log.Error().
			Float64("drawdown_pct", ddPct).
			Float64("limit_pct", limit).
			Int("window_days", c.cfg.PortfolioDDWindowDays).
			Msg("portfolio drawdown limit hit, entries blocked until recovery")
		return c.block(d, ReasonDrawdown, time.Time{}), true
	}
	return d, false
}

// longTermWarnings reports 90/180/365-day drawdowns past their warning
// levels. These never pause trading.
func (c *Controller) longTermWarnings(now time.Time, doc *state.Document, equity float64) []string {
	lt := c.cfg.LongTermDD
	if !lt.Enabled || equity <= 0 {
		return nil
	}

	var warnings []string
	horizons := []struct {
		days int
		warn float64
	}{
		{90, lt.Warn90DPct},
		{180, lt.Warn180DPct},
		{365, lt.Warn365DPct},
	}
	for _, h := range horizons {
		if h.warn <= 0 {
			continue
		}
		high := doc.HighestEquitySince(now.AddDate(0, 0, -h.days))
		if high <= equity {
			continue
		}
		ddPct := (high - equity) / high * 100
		if ddPct >= h.warn {
			warnings = append(warnings, fmt.Sprintf("%dd drawdown %.1f%% exceeds %.1f%%", h.days, ddPct, h.warn))
		}
	}
	return warnings
}

func (c *Controller) block(d Decision, reason string, resumeAt time.Time) Decision {
	d.CanEnter = false
	if d.Reason == "" {
		d.Reason = reason
	}
	d.ResumeAt = resumeAt
	return d
}

// nextUTCMidnight returns the start of the next UTC day.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
