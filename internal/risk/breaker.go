// Package risk gates the trading engine. It owns the kill-switches that
// pause entries (daily loss, rolling drawdown, margin pressure, emergency
// stop) and the API circuit breaker fed by exchange adapter outcomes.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/state"
)

// APIBreaker trips after repeated adapter failures inside a rolling window.
// While open, the engine places no new entries; reduce-only exits and
// cancels still go through. The failure window survives restarts via the
// state document so a crash loop cannot reset it.
type APIBreaker struct {
	mu        sync.Mutex
	cfg       config.CircuitBreakerConfig
	failures  []time.Time
	openUntil time.Time
	log       zerolog.Logger
}

// NewAPIBreaker builds a closed breaker from config.
func NewAPIBreaker(cfg config.CircuitBreakerConfig, log zerolog.Logger) *APIBreaker {
	return &APIBreaker{
		cfg: cfg,
		log: log.With().Str("service", "api_breaker").Logger(),
	}
}

// RecordFailure counts one adapter failure. When the count inside the
// rolling window reaches the limit the breaker opens for the configured
// cooldown. Implements exchange.FailureSink.
func (b *APIBreaker) RecordFailure(at time.Time, category string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = append(b.failures, at)
	b.pruneLocked(at)

	if len(b.failures) >= b.cfg.MaxErrors && !at.Before(b.openUntil) {
		b.openUntil = at.Add(time.Duration(b.cfg.CooldownSeconds) * time.Second)
		b.log.Error().
			Int("failures", len(b.failures)).
			Str("category", category).
			Time("open_until", b.openUntil).
			Msg("API circuit breaker tripped")
	}
}

// RecordSuccess resets the failure window, but only once the cooldown has
// expired. Successful reads during the open period do not close it early.
func (b *APIBreaker) RecordSuccess(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if at.Before(b.openUntil) {
		return
	}
	if len(b.failures) > 0 || !b.openUntil.IsZero() {
		if !b.openUntil.IsZero() {
			b.log.Info().Msg("API circuit breaker reset after successful call")
		}
		b.failures = nil
		b.openUntil = time.Time{}
	}
}

// Open reports whether the breaker blocks new entries at the given time.
func (b *APIBreaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.openUntil)
}

// OpenUntil returns the end of the current cooldown (zero when closed).
func (b *APIBreaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}

// FailureCount returns the number of failures still inside the window.
func (b *APIBreaker) FailureCount(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	return len(b.failures)
}

// Snapshot exports the window for persistence in the state document.
func (b *APIBreaker) Snapshot() state.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := state.BreakerState{OpenUntil: b.openUntil}
	if len(b.failures) > 0 {
		out.Failures = append([]time.Time(nil), b.failures...)
	}
	return out
}

// Restore loads a persisted window, typically once at startup.
func (b *APIBreaker) Restore(s state.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append([]time.Time(nil), s.Failures...)
	b.openUntil = s.OpenUntil
}

// pruneLocked drops failures older than the rolling window.
func (b *APIBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(b.cfg.WindowSeconds) * time.Second)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
