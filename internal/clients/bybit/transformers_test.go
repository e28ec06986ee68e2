package bybit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTCUSDT", ToExchangeSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "BTCUSDT", ToExchangeSymbol("BTCUSDT"), "raw symbols pass through")
	assert.Equal(t, "BTC/USDT:USDT", ToUnifiedSymbol("BTC", "USDT"))
}

func TestIntervalFromTimeframe(t *testing.T) {
	interval, err := IntervalFromTimeframe("1h")
	require.NoError(t, err)
	assert.Equal(t, "60", interval)

	interval, err = IntervalFromTimeframe("1d")
	require.NoError(t, err)
	assert.Equal(t, "D", interval)

	_, err = IntervalFromTimeframe("7m")
	require.Error(t, err)
}

func TestTransformKlinesOrdersAndDeduplicates(t *testing.T) {
	bars := TransformKlines([]Kline{
		{StartMS: 3000, Close: 3},
		{StartMS: 2000, Close: 2},
		{StartMS: 2000, Close: 99}, // duplicate open time, later payload row wins
		{StartMS: 1000, Close: 1},
	})

	require.Len(t, bars, 3)
	assert.Equal(t, int64(1000), bars[0].TS)
	assert.Equal(t, int64(2000), bars[1].TS)
	assert.Equal(t, int64(3000), bars[2].TS)
	assert.Equal(t, 99.0, bars[1].Close)
}

func TestTransformPositionSides(t *testing.T) {
	long := TransformPosition("BTC/USDT:USDT", PositionInfo{Side: "Buy", Size: "0.5", AvgPrice: "60000"})
	assert.Equal(t, 0.5, long.Size)
	assert.Equal(t, 60000.0, long.AvgPrice)

	short := TransformPosition("ETH/USDT:USDT", PositionInfo{Side: "Sell", Size: "2", AvgPrice: "3000"})
	assert.Equal(t, -2.0, short.Size)

	flat := TransformPosition("SOL/USDT:USDT", PositionInfo{Side: "None", Size: "1"})
	assert.Zero(t, flat.Size)
}

func TestTransformFunding(t *testing.T) {
	snap := TransformFunding("BTC/USDT:USDT", TickerInfo{
		FundingRate:     "0.0001",
		NextFundingTime: "1767254400000", // 2026-01-01T08:00:00Z
	})
	assert.Equal(t, 0.0001, snap.Rate)
	assert.Equal(t, time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), snap.NextFunding)

	empty := TransformFunding("ETH/USDT:USDT", TickerInfo{})
	assert.Zero(t, empty.Rate)
	assert.True(t, empty.NextFunding.IsZero())
}

func TestTransformInstrument(t *testing.T) {
	info := InstrumentInfo{
		Symbol:       "BTCUSDT",
		ContractType: "LinearPerpetual",
		Status:       "Trading",
		BaseCoin:     "BTC",
		QuoteCoin:    "USDT",
	}
	info.PriceFilter.TickSize = "0.5"
	info.LotSizeFilter.QtyStep = "0.001"
	info.LotSizeFilter.MinOrderQty = "0.001"
	info.LotSizeFilter.MinNotionalValue = "5"

	inst := TransformInstrument(info, &TickerInfo{Turnover24h: "5000000000", LastPrice: "60000"})
	assert.Equal(t, "BTC/USDT:USDT", inst.Symbol)
	assert.True(t, inst.IsPerpetual)
	assert.True(t, inst.Active)
	assert.Equal(t, 0.5, inst.TickSize)
	assert.Equal(t, 5e9, inst.Volume24hUSD)
	assert.Equal(t, 60000.0, inst.LastPrice)

	// Inverse and expired contracts are carried but flagged.
	info.ContractType = "InverseFutures"
	info.Status = "Settling"
	inst = TransformInstrument(info, nil)
	assert.False(t, inst.IsPerpetual)
	assert.False(t, inst.Active)
	assert.Zero(t, inst.Volume24hUSD)
}
