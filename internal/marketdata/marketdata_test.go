package marketdata

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
)

const hourMS = int64(3_600_000)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// In-memory sqlite: every pool connection gets its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// hourlyBars builds n flat hourly bars starting at start (ms).
func hourlyBars(start int64, n int, price float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			TS:     start + int64(i)*hourMS,
			Open:   price,
			High:   price * 1.01,
			Low:    price * 0.99,
			Close:  price,
			Volume: 100,
		}
	}
	return bars
}

func TestCandleRepositoryRoundTrip(t *testing.T) {
	db := setupDB(t)
	repo, err := NewCandleRepository(db)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := hourlyBars(start, 10, 100)

	require.NoError(t, repo.InsertBatch(ctx, "BTC/USDT:USDT", "1h", bars))

	latest, err := repo.Latest(ctx, "BTC/USDT:USDT", "1h", 4)
	require.NoError(t, err)
	require.Len(t, latest, 4)
	assert.Equal(t, start+6*hourMS, latest[0].TS)
	assert.Equal(t, start+9*hourMS, latest[3].TS)

	ranged, err := repo.Range(ctx, "BTC/USDT:USDT", "1h", start+2*hourMS, start+5*hourMS)
	require.NoError(t, err)
	require.Len(t, ranged, 4)
	assert.Equal(t, start+2*hourMS, ranged[0].TS)

	newest, ok, err := repo.NewestTS(ctx, "BTC/USDT:USDT", "1h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, start+9*hourMS, newest)

	// Unknown pair reports no data.
	_, ok, err = repo.NewestTS(ctx, "ETH/USDT:USDT", "1h")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCandleRepositoryUpsertIdempotent(t *testing.T) {
	db := setupDB(t)
	repo, err := NewCandleRepository(db)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	require.NoError(t, repo.InsertBatch(ctx, "BTC/USDT:USDT", "1h", hourlyBars(start, 6, 100)))
	// Overlapping refetch with revised prices must replace, not duplicate.
	require.NoError(t, repo.InsertBatch(ctx, "BTC/USDT:USDT", "1h", hourlyBars(start+3*hourMS, 6, 101)))

	count, err := repo.Count(ctx, "BTC/USDT:USDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 9, count)

	bars, err := repo.Latest(ctx, "BTC/USDT:USDT", "1h", 9)
	require.NoError(t, err)
	assert.Equal(t, 100.0, bars[2].Close)
	assert.Equal(t, 101.0, bars[3].Close)
}

func TestCandleRepositoryRetention(t *testing.T) {
	db := setupDB(t)
	repo, err := NewCandleRepository(db)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.InsertBatch(ctx, "BTC/USDT:USDT", "1h", hourlyBars(start.UnixMilli(), 10, 100)))

	deleted, err := repo.DeleteOlderThan(ctx, "1h", start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	count, err := repo.Count(ctx, "BTC/USDT:USDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestSnapshotFreshAndStale(t *testing.T) {
	db := setupDB(t)
	repo, err := NewSnapshotRepository(db)
	require.NoError(t, err)

	ctx := context.Background()
	tickers := map[string]domain.Ticker{
		"BTC/USDT:USDT": {Symbol: "BTC/USDT:USDT", Bid: 100, Ask: 100.1, Last: 100},
	}

	require.NoError(t, repo.Put(ctx, SnapshotTickers, tickers, time.Minute))

	var fresh map[string]domain.Ticker
	ok, err := repo.GetFresh(ctx, SnapshotTickers, &fresh)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.1, fresh["BTC/USDT:USDT"].Ask)

	// Expired entry: invisible to GetFresh, still served by Get.
	require.NoError(t, repo.Put(ctx, SnapshotTickers, tickers, -time.Second))

	ok, err = repo.GetFresh(ctx, SnapshotTickers, &fresh)
	require.NoError(t, err)
	assert.False(t, ok)

	var stale map[string]domain.Ticker
	ok, err = repo.Get(ctx, SnapshotTickers, &stale)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100.0, stale["BTC/USDT:USDT"].Bid)

	deleted, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func validationConfig() config.ValidationConfig {
	return config.ValidationConfig{
		Enabled:        true,
		SpikeZScoreMax: 4,
		SpikeWindow:    5,
		MaxGapRatio:    0.2,
	}
}

func TestValidatorFlagsMalformedBar(t *testing.T) {
	v := NewValidator(validationConfig(), zerolog.Nop())

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := hourlyBars(start, 5, 100)
	bars[2].High = 90 // below the low

	report := v.Validate("BTC/USDT:USDT", "1h", bars)
	assert.False(t, report.OK)
	require.Len(t, report.Flags, 1)
	assert.Equal(t, CheckOHLC, report.Flags[0].Check)
	assert.Equal(t, bars[2].TS, report.Flags[0].TS)
}

func TestValidatorDetectsGaps(t *testing.T) {
	v := NewValidator(validationConfig(), zerolog.Nop())

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := hourlyBars(start, 3, 100)
	// Two missing hours, then two more bars.
	tail := hourlyBars(start+5*hourMS, 2, 100)
	bars = append(bars, tail...)

	report := v.Validate("BTC/USDT:USDT", "1h", bars)
	assert.Equal(t, 2, report.Missing)
	assert.InDelta(t, 2.0/7.0, report.GapRatio, 1e-9)
	// 28.6% missing exceeds the 20% ceiling.
	assert.False(t, report.OK)

	relaxed := validationConfig()
	relaxed.MaxGapRatio = 0.5
	report = NewValidator(relaxed, zerolog.Nop()).Validate("BTC/USDT:USDT", "1h", bars)
	assert.True(t, report.OK)
	assert.NotEmpty(t, report.Flags)
}

func TestValidatorFlagsSpike(t *testing.T) {
	v := NewValidator(validationConfig(), zerolog.Nop())

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	closes := []float64{100, 100.1, 100, 100.1, 100, 100.1, 100, 130}
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{TS: start + int64(i)*hourMS, Open: c, High: c * 1.3, Low: c * 0.99, Close: c, Volume: 10}
	}

	report := v.Validate("BTC/USDT:USDT", "1h", bars)
	// A spike warns but does not disqualify: it may be a real move.
	assert.True(t, report.OK)
	require.NotEmpty(t, report.Flags)
	assert.Equal(t, CheckSpike, report.Flags[0].Check)
	assert.Equal(t, bars[7].TS, report.Flags[0].TS)
}

func TestValidatorDisabledAcceptsEverything(t *testing.T) {
	cfg := validationConfig()
	cfg.Enabled = false
	v := NewValidator(cfg, zerolog.Nop())

	bars := []domain.Bar{{TS: 1, Open: -5, High: -10, Low: 3, Close: 0, Volume: -1}}
	report := v.Validate("BTC/USDT:USDT", "1h", bars)
	assert.True(t, report.OK)
	assert.Empty(t, report.Flags)
}

// newTestService builds a Service over a fake adapter and in-memory sqlite,
// with the clock pinned 30 minutes into the bar after lastClosed.
func newTestService(t *testing.T, fake *exchange.Fake, now time.Time) *Service {
	t.Helper()
	db := setupDB(t)
	candles, err := NewCandleRepository(db)
	require.NoError(t, err)
	snaps, err := NewSnapshotRepository(db)
	require.NoError(t, err)

	cfg := config.DataConfig{
		MaxCandlesTotal: 1000,
		Cache:           config.CacheConfig{SnapshotTTLSec: 60},
		Validation:      validationConfig(),
	}
	svc := NewService(fake, candles, snaps, cfg, zerolog.Nop())
	svc.now = func() time.Time { return now }
	return svc
}

func TestHistoryFillsEmptyCacheThenServesFromCache(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fake := exchange.NewFake()
	fake.Bars[exchange.BarKey("BTC/USDT:USDT", "1h")] = hourlyBars(start.UnixMilli(), 10, 100)

	// 09:30 UTC: the 09:00 bar is still forming, 08:00 is the last closed.
	svc := newTestService(t, fake, start.Add(9*time.Hour+30*time.Minute))
	ctx := context.Background()

	bars, err := svc.History(ctx, "BTC/USDT:USDT", "1h", 5)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, start.Add(8*time.Hour).UnixMilli(), bars[4].TS)
	assert.Equal(t, 1, fake.Calls["FetchBars"])

	// Warm cache: no further exchange traffic.
	bars, err = svc.History(ctx, "BTC/USDT:USDT", "1h", 5)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, 1, fake.Calls["FetchBars"])
	assert.Equal(t, 0, fake.Calls["FetchBarsRange"])
}

func TestHistoryExcludesFormingBar(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fake := exchange.NewFake()
	fake.Bars[exchange.BarKey("BTC/USDT:USDT", "1h")] = hourlyBars(start.UnixMilli(), 10, 100)

	svc := newTestService(t, fake, start.Add(9*time.Hour+30*time.Minute))

	bars, err := svc.History(context.Background(), "BTC/USDT:USDT", "1h", 20)
	require.NoError(t, err)
	// Bars 00:00 through 08:00 are closed; 09:00 is forming.
	require.Len(t, bars, 9)
	assert.Equal(t, start.Add(8*time.Hour).UnixMilli(), bars[8].TS)
}

func TestHistoryTailFill(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fake := exchange.NewFake()
	fake.Bars[exchange.BarKey("BTC/USDT:USDT", "1h")] = hourlyBars(start.UnixMilli(), 10, 100)

	svc := newTestService(t, fake, start.Add(9*time.Hour+30*time.Minute))
	ctx := context.Background()

	// Cache already holds the first five hours.
	require.NoError(t, svc.candles.InsertBatch(ctx, "BTC/USDT:USDT", "1h", hourlyBars(start.UnixMilli(), 5, 100)))

	bars, err := svc.History(ctx, "BTC/USDT:USDT", "1h", 9)
	require.NoError(t, err)
	require.Len(t, bars, 9)
	assert.Equal(t, start.UnixMilli(), bars[0].TS)
	assert.Equal(t, start.Add(8*time.Hour).UnixMilli(), bars[8].TS)
	assert.Equal(t, 1, fake.Calls["FetchBarsRange"])
	assert.Equal(t, 0, fake.Calls["FetchBars"])
}

func TestTickersStaleFallback(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fake := exchange.NewFake()
	fake.Tickers["BTC/USDT:USDT"] = domain.Ticker{Symbol: "BTC/USDT:USDT", Bid: 100, Ask: 100.1}

	svc := newTestService(t, fake, start)
	ctx := context.Background()

	tickers, err := svc.Tickers(ctx)
	require.NoError(t, err)
	require.Contains(t, tickers, "BTC/USDT:USDT")
	assert.Equal(t, 1, fake.Calls["FetchTickers"])

	// Within TTL the snapshot is served without touching the exchange.
	_, err = svc.Tickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls["FetchTickers"])

	// Expire the snapshot and break the exchange: stale data is returned.
	require.NoError(t, svc.snapshots.Put(ctx, SnapshotTickers, tickers, -time.Second))
	fake.Err = assert.AnError

	stale, err := svc.Tickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, stale["BTC/USDT:USDT"].Bid)
}
