package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderSideOpposite(t *testing.T) {
	assert.Equal(t, OrderSideSell, OrderSideBuy.Opposite())
	assert.Equal(t, OrderSideBuy, OrderSideSell.Opposite())
}

func TestBarValid(t *testing.T) {
	tests := []struct {
		name string
		bar  Bar
		want bool
	}{
		{"up candle", Bar{Open: 100, High: 110, Low: 95, Close: 108}, true},
		{"down candle", Bar{Open: 108, High: 110, Low: 95, Close: 100}, true},
		{"doji", Bar{Open: 100, High: 100, Low: 100, Close: 100}, true},
		{"high below close", Bar{Open: 100, High: 105, Low: 95, Close: 107}, false},
		{"low above open", Bar{Open: 100, High: 110, Low: 101, Close: 108}, false},
		{"negative price", Bar{Open: -1, High: 110, Low: 95, Close: 108}, false},
		{"negative volume", Bar{Open: 100, High: 110, Low: 95, Close: 108, Volume: -3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bar.Valid())
		})
	}
}

func TestBarTimeIsUTC(t *testing.T) {
	b := Bar{TS: 1767225600000} // 2026-01-01T00:00:00Z
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), b.Time())
}

func TestTickerSpreadBPS(t *testing.T) {
	tight := Ticker{Bid: 99.99, Ask: 100.01}
	assert.InDelta(t, 2.0, tight.SpreadBPS(), 0.001)

	wide := Ticker{Bid: 99, Ask: 101}
	assert.InDelta(t, 200.0, wide.SpreadBPS(), 0.1)

	// Crossed or empty books report no usable spread.
	assert.Zero(t, Ticker{Bid: 101, Ask: 99}.SpreadBPS())
	assert.Zero(t, Ticker{}.SpreadBPS())
}

func TestOrderBookTopImbalance(t *testing.T) {
	bidHeavy := OrderBookTop{BidSize: 30, AskSize: 10}
	assert.InDelta(t, 0.5, bidHeavy.Imbalance(), 1e-9)

	askHeavy := OrderBookTop{BidSize: 10, AskSize: 30}
	assert.InDelta(t, -0.5, askHeavy.Imbalance(), 1e-9)

	assert.Zero(t, OrderBookTop{}.Imbalance())
}

func TestOrderBookTopDepthUSD(t *testing.T) {
	top := OrderBookTop{BidPrice: 100, BidSize: 2, AskPrice: 101, AskSize: 5}
	// The thin side bounds how much can be crossed without moving price.
	assert.InDelta(t, 200.0, top.DepthUSD(), 1e-9)
}
