// Package domain provides core domain models shared across crosswind.
package domain

import "time"

// OrderSide is the exchange-facing side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Instrument represents a tradeable perpetual contract from exchange metadata
type Instrument struct {
	Symbol         string  // exchange symbol, e.g. "BTC/USDT:USDT"
	Base           string  // base asset, e.g. "BTC"
	Quote          string  // quote currency, e.g. "USDT"
	TickSize       float64 // minimum price increment
	QtyStep        float64 // minimum quantity increment
	MinQty         float64 // minimum order quantity
	MinNotionalUSD float64 // minimum order notional
	IsPerpetual    bool    // linear perpetual swap
	Active         bool    // listed and trading
	Volume24hUSD   float64 // 24h quote-denominated turnover
	LastPrice      float64 // last traded price at metadata fetch
}

// Bar is one OHLCV candle. TS is the bar open time in UTC milliseconds.
type Bar struct {
	TS     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Time returns the bar open time.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.TS).UTC()
}

// Valid reports whether the bar satisfies basic OHLC sanity:
// low ≤ min(open, close) ≤ max(open, close) ≤ high, non-negative values.
func (b Bar) Valid() bool {
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 || b.Volume < 0 {
		return false
	}
	lo, hi := b.Open, b.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return b.Low <= lo && hi <= b.High
}

// Ticker is a top-of-book snapshot for one instrument.
type Ticker struct {
	Symbol     string
	Bid        float64
	Ask        float64
	Last       float64
	MarkPrice  float64
	IndexPrice float64
}

// SpreadBPS returns the bid/ask spread in basis points of the mid price.
func (t Ticker) SpreadBPS() float64 {
	mid := (t.Bid + t.Ask) / 2
	if mid <= 0 || t.Ask < t.Bid {
		return 0
	}
	return (t.Ask - t.Bid) / mid * 10000
}

// OrderBookTop holds the first level of the order book.
type OrderBookTop struct {
	Symbol   string
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
}

// Imbalance returns (bid-ask)/(bid+ask) depth imbalance in [-1, 1].
// Positive values mean more resting size on the bid.
func (o OrderBookTop) Imbalance() float64 {
	total := o.BidSize + o.AskSize
	if total <= 0 {
		return 0
	}
	return (o.BidSize - o.AskSize) / total
}

// DepthUSD returns the smaller of the two top-of-book notionals.
func (o OrderBookTop) DepthUSD() float64 {
	bid := o.BidPrice * o.BidSize
	ask := o.AskPrice * o.AskSize
	if bid < ask {
		return bid
	}
	return ask
}

// FundingSnapshot is the current funding rate for a perpetual.
type FundingSnapshot struct {
	Symbol      string    `json:"symbol"`
	Rate        float64   `json:"rate"`         // per funding interval, signed
	NextFunding time.Time `json:"next_funding"` // next settlement time
}

// MarginInfo is the account equity and margin usage snapshot.
type MarginInfo struct {
	Equity      float64 // total account equity in USDT
	UsedMargin  float64 // initial margin in use
	MarginRatio float64 // UsedMargin / Equity, 0 when equity is 0
}

// Order is an open (unfilled) order tracked by the engine.
type Order struct {
	ID         string    `json:"id"`
	LinkID     string    `json:"link_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	ReduceOnly bool      `json:"reduce_only"`
	PostOnly   bool      `json:"post_only"`
	CreatedAt  time.Time `json:"created_at"`
}

// EquityPoint is one sample of the account equity curve.
type EquityPoint struct {
	TS     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}
