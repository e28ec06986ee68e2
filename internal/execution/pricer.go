package execution

import (
	"math"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
)

// Entry-guard rejection reasons, reported on skipped intents.
const (
	GuardSpread    = "spread"
	GuardImbalance = "imbalance"
	GuardDepth     = "depth"
	GuardNoTicker  = "no_ticker"
)

// Pricer computes limit prices. Entries sit on the near side of the book
// minus a dynamic offset so they rest as makers; exits cross the far side
// by the same offset so they fill immediately.
type Pricer struct {
	offset config.DynamicOffsetConfig
	guard  config.SpreadGuardConfig
	micro  config.MicrostructureConfig
}

// NewPricer builds a pricer from the execution config.
func NewPricer(cfg config.ExecutionConfig) *Pricer {
	return &Pricer{
		offset: cfg.DynamicOffset,
		guard:  cfg.SpreadGuard,
		micro:  cfg.Microstructure,
	}
}

// offsetFrac returns the dynamic offset as a price fraction:
// base_bps + per_spread_coeff * spread_bps, capped at max_bps.
func (p *Pricer) offsetFrac(spreadBPS float64) float64 {
	bps := p.offset.BaseBPS + p.offset.PerSpreadCoeff*spreadBPS
	if p.offset.MaxBPS > 0 && bps > p.offset.MaxBPS {
		bps = p.offset.MaxBPS
	}
	if bps < 0 {
		bps = 0
	}
	return bps / 10000
}

// Passive prices a maker order: buys rest at or under the bid, sells at or
// over the ask. Tick rounding moves away from the touch so a post-only
// order cannot cross.
func (p *Pricer) Passive(side domain.OrderSide, ticker domain.Ticker, tick float64) float64 {
	off := p.offsetFrac(ticker.SpreadBPS())
	if side == domain.OrderSideBuy {
		return PriceToTick(ticker.Bid*(1-off), tick, false)
	}
	return PriceToTick(ticker.Ask*(1+off), tick, true)
}

// Aggressive prices a marketable order: buys lift the ask plus the offset,
// sells hit the bid minus it. Used for reduce-only exits that must fill.
func (p *Pricer) Aggressive(side domain.OrderSide, ticker domain.Ticker, tick float64) float64 {
	off := p.offsetFrac(ticker.SpreadBPS())
	if side == domain.OrderSideBuy {
		return PriceToTick(ticker.Ask*(1+off), tick, true)
	}
	return PriceToTick(ticker.Bid*(1-off), tick, false)
}

// CheckEntry applies the microstructure guards for a prospective entry.
// Returns the rejection reason, or "" when the entry may proceed.
func (p *Pricer) CheckEntry(side domain.OrderSide, ticker domain.Ticker, book domain.OrderBookTop) string {
	if ticker.Bid <= 0 || ticker.Ask <= 0 {
		return GuardNoTicker
	}
	if p.guard.MaxSpreadBPS > 0 && ticker.SpreadBPS() > p.guard.MaxSpreadBPS {
		return GuardSpread
	}
	if p.micro.MinOBI > 0 {
		// Imbalance toward the trade: buys need resting bids, sells
		// resting asks.
		obi := book.Imbalance()
		if side == domain.OrderSideSell {
			obi = -obi
		}
		if obi < p.micro.MinOBI {
			return GuardImbalance
		}
	}
	if p.micro.MinTopOfBookDepthUSD > 0 && book.DepthUSD() < p.micro.MinTopOfBookDepthUSD {
		return GuardDepth
	}
	return ""
}

// ReferencePrice returns the mid price, falling back to last.
func ReferencePrice(t domain.Ticker) float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	if t.Last > 0 {
		return t.Last
	}
	return math.Max(t.Bid, t.Ask)
}
