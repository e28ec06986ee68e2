package bybit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jbeckert/crosswind/internal/domain"
)

// Timeframe strings → Bybit kline interval codes.
var intervalByTimeframe = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D",
}

// IntervalFromTimeframe maps a timeframe like "1h" to the exchange's kline
// interval code.
func IntervalFromTimeframe(tf string) (string, error) {
	interval, ok := intervalByTimeframe[tf]
	if !ok {
		return "", fmt.Errorf("timeframe %q has no bybit interval", tf)
	}
	return interval, nil
}

// ToExchangeSymbol converts a unified perpetual symbol ("BTC/USDT:USDT")
// to the exchange's raw form ("BTCUSDT"). Raw symbols pass through.
func ToExchangeSymbol(unified string) string {
	s := unified
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

// ToUnifiedSymbol builds the unified perpetual form from base and quote.
func ToUnifiedSymbol(base, quote string) string {
	return base + "/" + quote + ":" + quote
}

// parseFloat converts the exchange's string numbers, treating empty strings
// as zero.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// TransformInstrument converts instrument metadata plus its ticker row into
// a domain Instrument. The ticker supplies volume and last price for the
// universe filters.
func TransformInstrument(info InstrumentInfo, ticker *TickerInfo) domain.Instrument {
	inst := domain.Instrument{
		Symbol:         ToUnifiedSymbol(info.BaseCoin, info.QuoteCoin),
		Base:           info.BaseCoin,
		Quote:          info.QuoteCoin,
		TickSize:       parseFloat(info.PriceFilter.TickSize),
		QtyStep:        parseFloat(info.LotSizeFilter.QtyStep),
		MinQty:         parseFloat(info.LotSizeFilter.MinOrderQty),
		MinNotionalUSD: parseFloat(info.LotSizeFilter.MinNotionalValue),
		IsPerpetual:    info.ContractType == "LinearPerpetual",
		Active:         info.Status == "Trading",
	}
	if ticker != nil {
		inst.Volume24hUSD = parseFloat(ticker.Turnover24h)
		inst.LastPrice = parseFloat(ticker.LastPrice)
	}
	return inst
}

// TransformKlines converts parsed klines to domain bars sorted ascending by
// open time, deduplicated by timestamp. The exchange returns newest first.
func TransformKlines(klines []Kline) []domain.Bar {
	bars := make([]domain.Bar, 0, len(klines))
	seen := make(map[int64]bool, len(klines))
	for i := len(klines) - 1; i >= 0; i-- {
		k := klines[i]
		if seen[k.StartMS] {
			continue
		}
		seen[k.StartMS] = true
		bars = append(bars, domain.Bar{
			TS:     k.StartMS,
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
		})
	}
	return bars
}

// TransformTicker converts a ticker row for the given unified symbol.
func TransformTicker(unified string, t TickerInfo) domain.Ticker {
	return domain.Ticker{
		Symbol:     unified,
		Bid:        parseFloat(t.Bid1Price),
		Ask:        parseFloat(t.Ask1Price),
		Last:       parseFloat(t.LastPrice),
		MarkPrice:  parseFloat(t.MarkPrice),
		IndexPrice: parseFloat(t.IndexPrice),
	}
}

// TransformOrderBookTop extracts the first book level.
func TransformOrderBookTop(unified string, book OrderBookResult) domain.OrderBookTop {
	top := domain.OrderBookTop{Symbol: unified}
	if len(book.Bids) > 0 && len(book.Bids[0]) >= 2 {
		top.BidPrice = parseFloat(book.Bids[0][0])
		top.BidSize = parseFloat(book.Bids[0][1])
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) >= 2 {
		top.AskPrice = parseFloat(book.Asks[0][0])
		top.AskSize = parseFloat(book.Asks[0][1])
	}
	return top
}

// TransformFunding extracts the funding snapshot from a ticker row.
func TransformFunding(unified string, t TickerInfo) domain.FundingSnapshot {
	snap := domain.FundingSnapshot{
		Symbol: unified,
		Rate:   parseFloat(t.FundingRate),
	}
	if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
		snap.NextFunding = time.UnixMilli(ms).UTC()
	}
	return snap
}

// ExchangePosition is a normalized on-exchange position row.
type ExchangePosition struct {
	Symbol     string  // unified symbol
	Size       float64 // signed: positive long, negative short
	AvgPrice   float64
	ValueUSD   float64
	Unrealized float64
}

// TransformPosition normalizes a position row. Rows with side "None" or
// zero size return a zero-size position.
func TransformPosition(unified string, p PositionInfo) ExchangePosition {
	size := parseFloat(p.Size)
	if p.Side == "Sell" {
		size = -size
	} else if p.Side != "Buy" {
		size = 0
	}
	return ExchangePosition{
		Symbol:     unified,
		Size:       size,
		AvgPrice:   parseFloat(p.AvgPrice),
		ValueUSD:   parseFloat(p.PositionValue),
		Unrealized: parseFloat(p.UnrealisedPnl),
	}
}

// TransformOrder converts an open-order row.
func TransformOrder(unified string, o OrderInfo) domain.Order {
	side := domain.OrderSideBuy
	if o.Side == "Sell" {
		side = domain.OrderSideSell
	}
	order := domain.Order{
		ID:         o.OrderID,
		LinkID:     o.OrderLinkID,
		Symbol:     unified,
		Side:       side,
		Price:      parseFloat(o.Price),
		Size:       parseFloat(o.Qty),
		ReduceOnly: o.ReduceOnly,
		PostOnly:   o.TimeInForce == "PostOnly",
	}
	if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil && ms > 0 {
		order.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return order
}
