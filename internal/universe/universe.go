// Package universe maintains the per-cycle snapshot of tradeable
// instruments. Filtering (quote, perpetual, volume, price, max symbols)
// happens in the exchange adapter; this package owns the snapshot
// lifecycle and lookups.
package universe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
)

// Snapshot is an immutable, ordered view of the tradeable universe.
// Instruments keep the adapter's 24h-volume-descending order.
type Snapshot struct {
	At          time.Time
	Instruments []domain.Instrument
	bySymbol    map[string]domain.Instrument
}

func newSnapshot(at time.Time, instruments []domain.Instrument) *Snapshot {
	bySymbol := make(map[string]domain.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}
	return &Snapshot{At: at, Instruments: instruments, bySymbol: bySymbol}
}

// Len returns the instrument count.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Instruments)
}

// Symbols returns the ordered symbol list.
func (s *Snapshot) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Instruments))
	for i, inst := range s.Instruments {
		out[i] = inst.Symbol
	}
	return out
}

// Instrument looks up one instrument by symbol.
func (s *Snapshot) Instrument(symbol string) (domain.Instrument, bool) {
	if s == nil {
		return domain.Instrument{}, false
	}
	inst, ok := s.bySymbol[symbol]
	return inst, ok
}

// Contains reports whether the symbol is in the snapshot.
func (s *Snapshot) Contains(symbol string) bool {
	if s == nil {
		return false
	}
	_, ok := s.bySymbol[symbol]
	return ok
}

// Service refreshes the universe each cycle and keeps the last good
// snapshot for callers that can tolerate staleness.
type Service struct {
	adapter exchange.Adapter
	log     zerolog.Logger

	mu   sync.RWMutex
	last *Snapshot
}

// NewService wires the universe service.
func NewService(adapter exchange.Adapter, log zerolog.Logger) *Service {
	return &Service{
		adapter: adapter,
		log:     log.With().Str("service", "universe").Logger(),
	}
}

// Refresh pulls a fresh instrument listing. On success the snapshot also
// becomes Last; on failure the previous Last is untouched.
func (s *Service) Refresh(ctx context.Context) (*Snapshot, error) {
	instruments, err := s.adapter.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh universe: %w", err)
	}

	snap := newSnapshot(time.Now().UTC(), instruments)

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	s.log.Debug().Int("instruments", snap.Len()).Msg("Universe refreshed")
	return snap, nil
}

// Last returns the most recent successful snapshot, or nil.
func (s *Service) Last() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
