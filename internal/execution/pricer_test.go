package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
)

func testPricer(mutate func(*config.ExecutionConfig)) *Pricer {
	cfg := config.Default().Execution
	cfg.DynamicOffset = config.DynamicOffsetConfig{BaseBPS: 2, PerSpreadCoeff: 0.5, MaxBPS: 10}
	cfg.SpreadGuard.MaxSpreadBPS = 25
	cfg.Microstructure = config.MicrostructureConfig{MinOBI: 0.1, MinTopOfBookDepthUSD: 5000}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewPricer(cfg)
}

func tightTicker() domain.Ticker {
	return domain.Ticker{Symbol: "BTC/USDT:USDT", Bid: 100.00, Ask: 100.02, Last: 100.01}
}

func TestPassivePricesNeverCross(t *testing.T) {
	p := testPricer(nil)
	ticker := tightTicker()

	buy := p.Passive(domain.OrderSideBuy, ticker, 0.01)
	sell := p.Passive(domain.OrderSideSell, ticker, 0.01)

	assert.LessOrEqual(t, buy, ticker.Bid)
	assert.GreaterOrEqual(t, sell, ticker.Ask)
}

func TestAggressivePricesCrossTheBook(t *testing.T) {
	p := testPricer(nil)
	ticker := tightTicker()

	buy := p.Aggressive(domain.OrderSideBuy, ticker, 0.01)
	sell := p.Aggressive(domain.OrderSideSell, ticker, 0.01)

	assert.GreaterOrEqual(t, buy, ticker.Ask)
	assert.LessOrEqual(t, sell, ticker.Bid)
}

func TestOffsetIsCapped(t *testing.T) {
	p := testPricer(func(cfg *config.ExecutionConfig) {
		cfg.DynamicOffset = config.DynamicOffsetConfig{BaseBPS: 5, PerSpreadCoeff: 2, MaxBPS: 8}
		cfg.SpreadGuard.MaxSpreadBPS = 0
	})
	// 100 bps spread would imply 205 bps offset without the cap.
	ticker := domain.Ticker{Bid: 99.5, Ask: 100.5}

	buy := p.Passive(domain.OrderSideBuy, ticker, 0)

	// Capped at 8 bps below the bid.
	assert.InDelta(t, 99.5*(1-0.0008), buy, 1e-9)
}

func TestWideSpreadRejectsEntry(t *testing.T) {
	p := testPricer(nil)
	wide := domain.Ticker{Bid: 99.5, Ask: 100.5} // ~100 bps

	reason := p.CheckEntry(domain.OrderSideBuy, wide, domain.OrderBookTop{BidPrice: 99.5, BidSize: 1000, AskPrice: 100.5, AskSize: 1000})

	assert.Equal(t, GuardSpread, reason)
}

func TestImbalanceGuardIsDirectional(t *testing.T) {
	p := testPricer(nil)
	ticker := tightTicker()
	// Heavy bid side: fine for buys, rejected for sells.
	book := domain.OrderBookTop{BidPrice: 100.00, BidSize: 900, AskPrice: 100.02, AskSize: 100}

	assert.Empty(t, p.CheckEntry(domain.OrderSideBuy, ticker, book))
	assert.Equal(t, GuardImbalance, p.CheckEntry(domain.OrderSideSell, ticker, book))
}

func TestThinBookRejectsEntry(t *testing.T) {
	p := testPricer(nil)
	ticker := tightTicker()
	thin := domain.OrderBookTop{BidPrice: 100.00, BidSize: 30, AskPrice: 100.02, AskSize: 20}

	assert.Equal(t, GuardDepth, p.CheckEntry(domain.OrderSideBuy, ticker, thin))
}

func TestQtyToStepNeverRoundsUp(t *testing.T) {
	assert.InDelta(t, 0.3, QtyToStep(0.30000000000000004, 0.1), 1e-12)
	assert.InDelta(t, 33.333, QtyToStep(33.33399, 0.001), 1e-12)
	assert.InDelta(t, 0, QtyToStep(0.0009, 0.001), 1e-12)
}

func TestPriceToTickDirectional(t *testing.T) {
	assert.InDelta(t, 100.02, PriceToTick(100.019, 0.01, true), 1e-12)
	assert.InDelta(t, 100.01, PriceToTick(100.019, 0.01, false), 1e-12)
	// Already on the grid stays put either way.
	assert.InDelta(t, 100.02, PriceToTick(100.02, 0.01, true), 1e-12)
	assert.InDelta(t, 100.02, PriceToTick(100.02, 0.01, false), 1e-12)
}
