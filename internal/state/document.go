// Package state persists the trading engine's durable runtime document
// and reconciles it with the exchange at startup.
package state

import (
	"time"

	"github.com/jbeckert/crosswind/internal/domain"
)

// equityHistoryDays caps the equity ring buffer at one year of daily samples.
const equityHistoryDays = 365

// DayState tracks intraday equity anchors for the daily-loss gate.
// Reset when the UTC date changes.
type DayState struct {
	Date        string  `json:"date"` // UTC day, "2006-01-02"
	StartEquity float64 `json:"start_equity"`
	HighEquity  float64 `json:"high_equity"`
}

// BreakerState is the persisted API circuit breaker window.
type BreakerState struct {
	Failures  []time.Time `json:"failures,omitempty"`
	OpenUntil time.Time   `json:"open_until"`
}

// Document is the single persisted runtime state of the trading engine.
// It is serialized atomically by the Store; all mutation happens inside
// Store.Update.
type Document struct {
	UpdatedAt     time.Time                      `json:"updated_at"`
	Positions     map[string]*domain.Position    `json:"positions"`
	Cooldowns     map[string]domain.Cooldown     `json:"cooldowns"`
	SymbolStats   map[string]*domain.SymbolStats `json:"symbol_stats"`
	Day           DayState                       `json:"day"`
	EquityHistory []domain.EquityPoint           `json:"equity_history"`
	FundingPaid   map[string]float64             `json:"funding_paid"`
	PausedUntil   time.Time                      `json:"paused_until"`
	PausedReason  string                         `json:"paused_reason,omitempty"`
	// DrawdownTripped latches the rolling drawdown gate. Entries stay
	// blocked until the drawdown recovers well below the threshold, not
	// merely back to it, so the gate does not flap around the limit.
	DrawdownTripped bool         `json:"drawdown_tripped,omitempty"`
	Breaker         BreakerState `json:"breaker"`
	LastCycleAt     time.Time    `json:"last_cycle_at"`
}

// NewDocument returns an empty document with initialized maps.
func NewDocument() *Document {
	return &Document{
		Positions:   make(map[string]*domain.Position),
		Cooldowns:   make(map[string]domain.Cooldown),
		SymbolStats: make(map[string]*domain.SymbolStats),
		FundingPaid: make(map[string]float64),
	}
}

// normalize repairs nil maps after unmarshalling a partial document.
func (d *Document) normalize() {
	if d.Positions == nil {
		d.Positions = make(map[string]*domain.Position)
	}
	if d.Cooldowns == nil {
		d.Cooldowns = make(map[string]domain.Cooldown)
	}
	if d.SymbolStats == nil {
		d.SymbolStats = make(map[string]*domain.SymbolStats)
	}
	if d.FundingPaid == nil {
		d.FundingPaid = make(map[string]float64)
	}
}

// Stats returns the stats row for a symbol, creating it when absent.
func (d *Document) Stats(symbol string) *domain.SymbolStats {
	s, ok := d.SymbolStats[symbol]
	if !ok {
		s = &domain.SymbolStats{}
		d.SymbolStats[symbol] = s
	}
	return s
}

// ActiveCooldown returns the cooldown for symbol when one applies at now.
func (d *Document) ActiveCooldown(symbol string, now time.Time) (domain.Cooldown, bool) {
	c, ok := d.Cooldowns[symbol]
	if !ok || !c.Active(now) {
		return domain.Cooldown{}, false
	}
	return c, true
}

// SetCooldown records a cooldown. An existing later NotBefore wins so a
// short post-exit cooldown cannot shorten a loss-streak ban.
func (d *Document) SetCooldown(c domain.Cooldown) {
	if existing, ok := d.Cooldowns[c.Symbol]; ok && existing.NotBefore.After(c.NotBefore) {
		return
	}
	d.Cooldowns[c.Symbol] = c
}

// RecordEquity folds one equity sample into the daily ring buffer. Samples
// on the same UTC date replace each other; the buffer keeps the most
// recent equityHistoryDays entries.
func (d *Document) RecordEquity(at time.Time, equity float64) {
	at = at.UTC()
	point := domain.EquityPoint{TS: at, Equity: equity}

	n := len(d.EquityHistory)
	if n > 0 && sameUTCDate(d.EquityHistory[n-1].TS, at) {
		d.EquityHistory[n-1] = point
		return
	}

	d.EquityHistory = append(d.EquityHistory, point)
	if len(d.EquityHistory) > equityHistoryDays {
		d.EquityHistory = d.EquityHistory[len(d.EquityHistory)-equityHistoryDays:]
	}
}

// HighestEquitySince returns the highest recorded equity at or after
// cutoff, or 0 when no sample qualifies.
func (d *Document) HighestEquitySince(cutoff time.Time) float64 {
	high := 0.0
	for _, p := range d.EquityHistory {
		if p.TS.Before(cutoff) {
			continue
		}
		if p.Equity > high {
			high = p.Equity
		}
	}
	return high
}

// RollDay updates the day anchors for the current equity, resetting them
// when the UTC date changed. Returns true on a new day.
func (d *Document) RollDay(now time.Time, equity float64) bool {
	date := now.UTC().Format("2006-01-02")
	if d.Day.Date != date {
		d.Day = DayState{Date: date, StartEquity: equity, HighEquity: equity}
		return true
	}
	if equity > d.Day.HighEquity {
		d.Day.HighEquity = equity
	}
	return false
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
