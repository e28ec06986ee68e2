package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
)

// Placement records the outcome of one intent. A skipped intent names the
// guard that rejected it; a failed one carries the adapter error and is
// retried implicitly by the next cycle's plan.
type Placement struct {
	Intent
	OrderID string
	Price   float64
	Skipped string
	Err     error
}

// Executor places planned intents on the exchange. Entries go out post-only
// at a passive price; reduces go out reduce-only at a marketable price.
type Executor struct {
	adapter exchange.Adapter
	pricer  *Pricer
	cfg     config.ExecutionConfig
	log     zerolog.Logger
}

// NewExecutor wires the executor to an adapter.
func NewExecutor(adapter exchange.Adapter, cfg config.ExecutionConfig, log zerolog.Logger) *Executor {
	return &Executor{
		adapter: adapter,
		pricer:  NewPricer(cfg),
		cfg:     cfg,
		log:     log.With().Str("service", "executor").Logger(),
	}
}

// Pricer exposes the executor's pricer for callers that price exits
// themselves.
func (x *Executor) Pricer() *Pricer { return x.pricer }

// Execute places every intent, entries guarded on spread, imbalance and
// depth. Placement errors do not stop the batch.
func (x *Executor) Execute(ctx context.Context, intents []Intent, tickers map[string]domain.Ticker, instruments map[string]domain.Instrument) []Placement {
	out := make([]Placement, 0, len(intents))
	for _, intent := range intents {
		out = append(out, x.executeOne(ctx, intent, tickers, instruments))
	}
	return out
}

func (x *Executor) executeOne(ctx context.Context, intent Intent, tickers map[string]domain.Ticker, instruments map[string]domain.Instrument) Placement {
	pl := Placement{Intent: intent}

	ticker, ok := tickers[intent.Symbol]
	if !ok || ticker.Bid <= 0 || ticker.Ask <= 0 {
		pl.Skipped = GuardNoTicker
		return pl
	}
	inst := instruments[intent.Symbol]

	if intent.Reduce {
		pl.Price = x.pricer.Aggressive(intent.Side, ticker, inst.TickSize)
	} else {
		book, err := x.adapter.FetchOrderBookTop(ctx, intent.Symbol)
		if err != nil {
			pl.Err = err
			x.log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("book fetch failed, entry skipped")
			return pl
		}
		if reason := x.pricer.CheckEntry(intent.Side, ticker, book); reason != "" {
			pl.Skipped = reason
			x.log.Debug().
				Str("symbol", intent.Symbol).
				Str("guard", reason).
				Float64("spread_bps", ticker.SpreadBPS()).
				Msg("entry skipped by microstructure guard")
			return pl
		}
		pl.Price = x.pricer.Passive(intent.Side, ticker, inst.TickSize)
	}
	if pl.Price <= 0 {
		pl.Skipped = GuardNoTicker
		return pl
	}

	req := exchange.LimitOrderRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Price:      pl.Price,
		Size:       intent.Qty,
		PostOnly:   !intent.Reduce && x.cfg.PostOnly,
		ReduceOnly: intent.Reduce,
		LinkID:     uuid.NewString(),
	}
	orderID, err := x.adapter.PlaceLimit(ctx, req)
	if err != nil {
		pl.Err = err
		x.log.Error().Err(err).
			Str("symbol", intent.Symbol).
			Str("side", string(intent.Side)).
			Float64("qty", intent.Qty).
			Msg("order placement failed")
		return pl
	}
	pl.OrderID = orderID
	x.log.Info().
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Float64("price", pl.Price).
		Float64("qty", intent.Qty).
		Bool("reduce_only", intent.Reduce).
		Str("order_id", orderID).
		Msg("order placed")
	return pl
}

// CancelOrders cancels the given orders, logging failures without
// aborting the batch. Returns the count actually cancelled.
func (x *Executor) CancelOrders(ctx context.Context, orders []domain.Order) int {
	cancelled := 0
	for _, order := range orders {
		if err := x.adapter.Cancel(ctx, order.Symbol, order.ID); err != nil {
			x.log.Warn().Err(err).
				Str("symbol", order.Symbol).
				Str("order_id", order.ID).
				Msg("cancel failed")
			continue
		}
		cancelled++
		x.log.Info().
			Str("symbol", order.Symbol).
			Str("order_id", order.ID).
			Dur("age", time.Since(order.CreatedAt)).
			Msg("stale order cancelled")
	}
	return cancelled
}
