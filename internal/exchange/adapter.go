package exchange

import (
	"context"
	"time"

	"github.com/jbeckert/crosswind/internal/domain"
)

// LivePosition is a normalized on-exchange position. Size is signed.
type LivePosition struct {
	Symbol   string
	Size     float64
	AvgPrice float64
}

// LimitOrderRequest describes one limit order to place.
type LimitOrderRequest struct {
	Symbol     string
	Side       domain.OrderSide
	Price      float64
	Size       float64
	PostOnly   bool
	ReduceOnly bool
	LinkID     string
}

// FailureSink receives the outcome of every adapter call. The risk
// controller's API circuit breaker implements it.
type FailureSink interface {
	RecordFailure(at time.Time, category string)
	RecordSuccess(at time.Time)
}

// NopSink discards outcomes. Useful in tests and offline tools.
type NopSink struct{}

func (NopSink) RecordFailure(time.Time, string) {}
func (NopSink) RecordSuccess(time.Time)         {}

// Adapter is the uniform read/write surface over the exchange.
//
// All bar-returning methods deliver bars sorted ascending by open time and
// deduplicated by timestamp. Timestamps are UTC milliseconds, the open time
// of the bar.
type Adapter interface {
	// ListInstruments returns the tradeable universe after quote,
	// perpetual, volume and price filters, ordered by 24h volume
	// descending and truncated at the configured max symbols.
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)

	// FetchBars returns the most recent limit bars, paginating backward
	// when limit exceeds the per-request maximum.
	FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)

	// FetchBarsRange returns bars with open time in [start, end],
	// paginating forward from start.
	FetchBarsRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]domain.Bar, error)

	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	FetchTickers(ctx context.Context) (map[string]domain.Ticker, error)
	FetchOrderBookTop(ctx context.Context, symbol string) (domain.OrderBookTop, error)
	FetchFundingRate(ctx context.Context, symbol string) (domain.FundingSnapshot, error)
	FetchFundingRates(ctx context.Context) (map[string]domain.FundingSnapshot, error)

	FetchPositions(ctx context.Context) ([]LivePosition, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
	PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	FetchEquityAndMargin(ctx context.Context) (domain.MarginInfo, error)
}
