package execution

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
)

// CooldownView answers whether a symbol is under an entry cooldown.
type CooldownView interface {
	ActiveCooldown(symbol string, now time.Time) (domain.Cooldown, bool)
}

// Intent is one planned order: a signed position delta for a symbol.
type Intent struct {
	Symbol      string
	Side        domain.OrderSide
	Qty         float64 // contracts, already rounded to the instrument step
	NotionalUSD float64
	Reduce      bool // shrinks or closes the current position
	FullClose   bool
}

// PlanInput is everything the planner needs for one cycle.
type PlanInput struct {
	Now            time.Time
	Targets        domain.TargetWeights
	Positions      map[string]*domain.Position
	Instruments    map[string]domain.Instrument
	Tickers        map[string]domain.Ticker
	Equity         float64
	EntriesAllowed bool
	Cooldowns      CooldownView
}

// Planner diffs target weights against live positions and emits order
// intents, reduce intents first so freed margin funds the entries.
type Planner struct {
	cfg config.ExecutionConfig
	log zerolog.Logger
}

// NewPlanner builds a planner from the execution config.
func NewPlanner(cfg config.ExecutionConfig, log zerolog.Logger) *Planner {
	return &Planner{
		cfg: cfg,
		log: log.With().Str("service", "planner").Logger(),
	}
}

// Plan computes the order intents for one rebalance. Anti-churn rules:
// deltas under min_rebalance_delta_bps of equity are skipped, entries under
// min_notional_usdt are skipped, and cooled-down symbols accept no entries.
// Reduce intents are never blocked by cooldowns or the entry switch.
func (p *Planner) Plan(in PlanInput) []Intent {
	if in.Equity <= 0 {
		return nil
	}

	symbols := make(map[string]struct{}, len(in.Targets)+len(in.Positions))
	for sym := range in.Targets {
		symbols[sym] = struct{}{}
	}
	for sym := range in.Positions {
		symbols[sym] = struct{}{}
	}

	var reduces, entries []Intent
	for sym := range symbols {
		price := ReferencePrice(in.Tickers[sym])
		if price <= 0 {
			p.log.Warn().Str("symbol", sym).Msg("no reference price, symbol skipped")
			continue
		}

		var curSize float64
		if pos, ok := in.Positions[sym]; ok {
			curSize = pos.Size
		}
		curNotional := curSize * price
		tgtNotional := in.Targets[sym] * in.Equity

		if p.withinChurnBand(curNotional, tgtNotional, in.Equity) {
			continue
		}

		inst := in.Instruments[sym]

		// A sign flip is a full close plus a fresh entry; a single order
		// across zero cannot be reduce-only.
		if curNotional != 0 && tgtNotional != 0 && math.Signbit(curNotional) != math.Signbit(tgtNotional) {
			if close, ok := p.closeIntent(sym, curSize, price); ok {
				reduces = append(reduces, close)
			}
			if open, ok := p.entryIntent(in, sym, inst, tgtNotional, price); ok {
				entries = append(entries, open)
			}
			continue
		}

		delta := tgtNotional - curNotional
		if math.Abs(tgtNotional) < math.Abs(curNotional) || tgtNotional == 0 {
			if tgtNotional == 0 {
				if close, ok := p.closeIntent(sym, curSize, price); ok {
					reduces = append(reduces, close)
				}
				continue
			}
			if intent, ok := p.reduceIntent(sym, inst, delta, price); ok {
				reduces = append(reduces, intent)
			}
			continue
		}

		if intent, ok := p.entryIntent(in, sym, inst, delta, price); ok {
			entries = append(entries, intent)
		}
	}

	return append(reduces, entries...)
}

// withinChurnBand reports whether the delta is too small to act on.
func (p *Planner) withinChurnBand(curNotional, tgtNotional, equity float64) bool {
	if p.cfg.MinRebalanceDeltaBPS <= 0 {
		return false
	}
	deltaBPS := math.Abs(tgtNotional-curNotional) / equity * 10000
	return deltaBPS < p.cfg.MinRebalanceDeltaBPS
}

// closeIntent flattens the whole position using its exact live size, which
// already satisfies the exchange's step and minimum.
func (p *Planner) closeIntent(symbol string, curSize, price float64) (Intent, bool) {
	if curSize == 0 {
		return Intent{}, false
	}
	side := domain.OrderSideSell
	if curSize < 0 {
		side = domain.OrderSideBuy
	}
	qty := math.Abs(curSize)
	return Intent{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		NotionalUSD: qty * price,
		Reduce:      true,
		FullClose:   true,
	}, true
}

// reduceIntent shrinks a position by the delta notional.
func (p *Planner) reduceIntent(symbol string, inst domain.Instrument, deltaNotional, price float64) (Intent, bool) {
	qty := QtyToStep(math.Abs(deltaNotional)/price, inst.QtyStep)
	if qty <= 0 || qty < inst.MinQty {
		return Intent{}, false
	}
	side := domain.OrderSideBuy
	if deltaNotional < 0 {
		side = domain.OrderSideSell
	}
	return Intent{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		NotionalUSD: qty * price,
		Reduce:      true,
	}, true
}

// entryIntent opens or grows a position, subject to the entry switch,
// cooldowns and minimum notional.
func (p *Planner) entryIntent(in PlanInput, symbol string, inst domain.Instrument, deltaNotional, price float64) (Intent, bool) {
	if !in.EntriesAllowed {
		return Intent{}, false
	}
	if in.Cooldowns != nil {
		if cd, active := in.Cooldowns.ActiveCooldown(symbol, in.Now); active {
			p.log.Debug().
				Str("symbol", symbol).
				Str("reason", string(cd.Reason)).
				Time("not_before", cd.NotBefore).
				Msg("entry skipped: cooldown")
			return Intent{}, false
		}
	}
	if math.Abs(deltaNotional) < p.cfg.MinNotionalUSDT {
		return Intent{}, false
	}

	qty := QtyToStep(math.Abs(deltaNotional)/price, inst.QtyStep)
	if qty <= 0 || qty < inst.MinQty {
		return Intent{}, false
	}
	notional := qty * price
	if inst.MinNotionalUSD > 0 && notional < inst.MinNotionalUSD {
		return Intent{}, false
	}

	side := domain.OrderSideBuy
	if deltaNotional < 0 {
		side = domain.OrderSideSell
	}
	return Intent{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		NotionalUSD: notional,
	}, true
}
