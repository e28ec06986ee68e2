package exits

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/internal/execution"
	"github.com/jbeckert/crosswind/internal/state"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type adapterBars struct{ fake *exchange.Fake }

func (b adapterBars) RecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	return b.fake.FetchBars(ctx, symbol, timeframe, limit)
}

type instrumentMap map[string]domain.Instrument

func (m instrumentMap) Instrument(symbol string) (domain.Instrument, bool) {
	inst, ok := m[symbol]
	return inst, ok
}

func testInstrument(symbol string) domain.Instrument {
	return domain.Instrument{
		Symbol:      symbol,
		Base:        symbol[:3],
		Quote:       "USDT",
		TickSize:    0.01,
		QtyStep:     0.001,
		MinQty:      0.001,
		IsPerpetual: true,
		Active:      true,
	}
}

func newTestMonitor(t *testing.T, mutate func(*config.Config)) (*Monitor, *exchange.Fake, *state.Store) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	fake := exchange.NewFake()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	deps := Deps{
		Adapter:  fake,
		Bars:     adapterBars{fake},
		Store:    store,
		Executor: execution.NewExecutor(fake, cfg.Execution, zerolog.Nop()),
		Instruments: instrumentMap{
			"BTCUSDT": testInstrument("BTCUSDT"),
			"ETHUSDT": testInstrument("ETHUSDT"),
		},
	}
	return NewMonitor(deps, &cfg, zerolog.Nop()), fake, store
}

// closedWindow builds n identical bars whose true range is exactly 5, so
// ATR(14) over them is exactly 5.
func closedWindow(n int, price float64) []domain.Bar {
	bars := make([]domain.Bar, 0, n)
	start := testNow.Add(-time.Duration(n+1) * 5 * time.Minute)
	for i := 0; i < n; i++ {
		bars = append(bars, domain.Bar{
			TS:     start.Add(time.Duration(i) * 5 * time.Minute).UnixMilli(),
			Open:   price,
			High:   price + 2.5,
			Low:    price - 2.5,
			Close:  price,
			Volume: 100,
		})
	}
	return bars
}

func formingBar(open, high, low, close float64) domain.Bar {
	return domain.Bar{
		TS:     testNow.Add(-time.Minute).UnixMilli(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: 10,
	}
}

func seedPosition(t *testing.T, store *state.Store, pos *domain.Position) {
	t.Helper()
	require.NoError(t, store.Update(func(doc *state.Document) {
		doc.Positions[pos.Symbol] = pos
	}))
}

func docCopy(store *state.Store) *state.Document {
	var out *state.Document
	store.View(func(doc *state.Document) {
		data := *doc
		out = &data
	})
	return out
}

func TestInitialStopTriggersReduceOnlyExit(t *testing.T) {
	monitor, fake, store := newTestMonitor(t, nil)

	seedPosition(t, store, &domain.Position{
		Symbol:      "BTCUSDT",
		Size:        1,
		EntryPrice:  100,
		EntryTime:   testNow.Add(-2 * time.Hour),
		EntryATR:    5,
		StopPrice:   90,
		InitialRisk: 10,
		HighWater:   100,
	})
	fake.Bars[exchange.BarKey("BTCUSDT", "5m")] = append(
		closedWindow(15, 100),
		formingBar(95, 95, 89, 91), // low 89 crosses the stop at 90
	)
	fake.Tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Bid: 90.85, Ask: 90.95, Last: 90.9}

	monitor.Tick(context.Background(), testNow)

	require.Len(t, fake.Placed, 1)
	req := fake.Placed[0]
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.True(t, req.ReduceOnly)
	assert.False(t, req.PostOnly)
	assert.Equal(t, 1.0, req.Size)
	assert.LessOrEqual(t, req.Price, 90.85)

	doc := docCopy(store)
	pos := doc.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Equal(t, string(ReasonStop), pos.PendingExit)
	assert.Greater(t, pos.ExitPrice, 0.0)

	cooldown, ok := doc.Cooldowns["BTCUSDT"]
	require.True(t, ok)
	assert.Equal(t, domain.CooldownPostStop, cooldown.Reason)
	assert.Equal(t, testNow.Add(120*time.Minute), cooldown.NotBefore)

	stats := doc.SymbolStats["BTCUSDT"]
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.Losses)
	assert.Equal(t, 1, stats.ConsecutiveLosses)
	assert.Negative(t, stats.PnLSum)

	// Next tick sees the exchange flat and retires the pending row.
	monitor.Tick(context.Background(), testNow.Add(2*time.Second))
	doc = docCopy(store)
	assert.Empty(t, doc.Positions)
	assert.Len(t, fake.Placed, 1, "no second exit order for a filled close")
}

func TestTrailingStopNeverRetreats(t *testing.T) {
	monitor, fake, store := newTestMonitor(t, func(cfg *config.Config) {
		cfg.Risk.BreakevenAfterR = 0
		cfg.Risk.ProfitTargets = nil
	})

	seedPosition(t, store, &domain.Position{
		Symbol:      "BTCUSDT",
		Size:        1,
		EntryPrice:  100,
		EntryTime:   testNow.Add(-time.Hour),
		EntryATR:    5,
		StopPrice:   95,
		InitialRisk: 5,
		HighWater:   100,
	})
	fake.Tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Bid: 99.9, Ask: 100.1, Last: 100}

	steps := []struct {
		price    float64
		wantStop float64
	}{
		{100, 95},
		{110, 105},
		{108, 105},
		{112, 107},
		{111, 107},
	}
	for i, step := range steps {
		fake.Bars[exchange.BarKey("BTCUSDT", "5m")] = append(
			closedWindow(15, 100),
			formingBar(step.price, step.price, step.price, step.price),
		)
		monitor.Tick(context.Background(), testNow.Add(time.Duration(i)*2*time.Second))

		doc := docCopy(store)
		pos := doc.Positions["BTCUSDT"]
		require.NotNil(t, pos, "price %.0f", step.price)
		assert.Equal(t, step.wantStop, pos.StopPrice, "price %.0f", step.price)
		assert.Empty(t, pos.PendingExit, "price %.0f", step.price)
	}
	assert.Empty(t, fake.Placed, "trailing maintenance places no orders")
}

func TestProfitTargetBanksPartialAndKeepsPosition(t *testing.T) {
	monitor, fake, store := newTestMonitor(t, func(cfg *config.Config) {
		cfg.Risk.TrailingEnabled = false
		cfg.Risk.BreakevenAfterR = 0
	})

	seedPosition(t, store, &domain.Position{
		Symbol:      "BTCUSDT",
		Size:        1,
		EntryPrice:  100,
		EntryTime:   testNow.Add(-time.Hour),
		EntryATR:    5,
		StopPrice:   90,
		InitialRisk: 10,
		HighWater:   100,
	})
	fake.Bars[exchange.BarKey("BTCUSDT", "5m")] = append(
		closedWindow(15, 100),
		formingBar(110, 110.5, 109.5, 110.2),
	)
	fake.Tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Bid: 110.1, Ask: 110.3, Last: 110.2}

	monitor.Tick(context.Background(), testNow)

	require.Len(t, fake.Placed, 1)
	req := fake.Placed[0]
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.InDelta(t, 0.33, req.Size, 1e-9)

	doc := docCopy(store)
	pos := doc.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Equal(t, []int{0}, pos.TakenTargets)
	assert.Positive(t, pos.RealizedPnL)
	assert.Empty(t, pos.PendingExit)
	assert.Equal(t, 1.0, pos.Size, "size syncs from the exchange, not the order")
	assert.Empty(t, doc.Cooldowns)
	assert.Empty(t, doc.SymbolStats)

	// Same level does not refire on the next tick.
	monitor.Tick(context.Background(), testNow.Add(2*time.Second))
	assert.Len(t, fake.Placed, 1)
}

func TestLossStreakWritesBan(t *testing.T) {
	monitor, fake, store := newTestMonitor(t, nil)

	seedPosition(t, store, &domain.Position{
		Symbol:      "ETHUSDT",
		Size:        2,
		EntryPrice:  100,
		EntryTime:   testNow.Add(-time.Hour),
		EntryATR:    5,
		StopPrice:   90,
		InitialRisk: 10,
		HighWater:   100,
	})
	require.NoError(t, store.Update(func(doc *state.Document) {
		stats := doc.Stats("ETHUSDT")
		stats.Trades = 2
		stats.Losses = 2
		stats.ConsecutiveLosses = 2
	}))
	fake.Bars[exchange.BarKey("ETHUSDT", "5m")] = append(
		closedWindow(15, 100),
		formingBar(92, 92, 89, 90),
	)
	fake.Tickers["ETHUSDT"] = domain.Ticker{Symbol: "ETHUSDT", Bid: 89.9, Ask: 90.1, Last: 90}

	monitor.Tick(context.Background(), testNow)

	doc := docCopy(store)
	cooldown, ok := doc.Cooldowns["ETHUSDT"]
	require.True(t, ok)
	assert.Equal(t, domain.CooldownLossStreak, cooldown.Reason)
	assert.Equal(t, testNow.Add(720*time.Minute), cooldown.NotBefore)
	assert.Equal(t, 3, doc.SymbolStats["ETHUSDT"].ConsecutiveLosses)
}

func TestPendingExitReplacedWhenOrderVanishes(t *testing.T) {
	monitor, fake, store := newTestMonitor(t, nil)

	seedPosition(t, store, &domain.Position{
		Symbol:      "BTCUSDT",
		Size:        1,
		EntryPrice:  100,
		EntryTime:   testNow.Add(-3 * time.Hour),
		EntryATR:    5,
		StopPrice:   90,
		InitialRisk: 10,
		HighWater:   100,
		PendingExit: string(ReasonStop),
		ExitPrice:   90,
	})
	// Exchange still shows the position and no working reduce order.
	fake.Positions = []exchange.LivePosition{{Symbol: "BTCUSDT", Size: 1, AvgPrice: 100}}
	fake.Tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Bid: 89.9, Ask: 90.1, Last: 90}

	monitor.Tick(context.Background(), testNow)

	require.Len(t, fake.Placed, 1)
	assert.True(t, fake.Placed[0].ReduceOnly)
	assert.Equal(t, 1.0, fake.Placed[0].Size)

	doc := docCopy(store)
	pos := doc.Positions["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Equal(t, string(ReasonStop), pos.PendingExit)

	stats := doc.SymbolStats["BTCUSDT"]
	assert.Nil(t, stats, "stats were booked when the exit was first placed")
}
