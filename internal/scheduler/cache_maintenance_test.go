package scheduler

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
	"github.com/jbeckert/crosswind/internal/marketdata"
)

func TestCacheMaintenancePrunesAndExpires(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	candles, err := marketdata.NewCandleRepository(db)
	require.NoError(t, err)
	snapshots, err := marketdata.NewSnapshotRepository(db)
	require.NoError(t, err)

	cfg := config.DataConfig{Cache: config.CacheConfig{RetentionDays: 7}}
	svc := marketdata.NewService(exchange.NewFake(), candles, snapshots, cfg, zerolog.Nop())

	ctx := context.Background()
	now := time.Now().UTC()
	hourMS := int64(3_600_000)

	bars := func(start time.Time, n int) []domain.Bar {
		out := make([]domain.Bar, n)
		for i := range out {
			out[i] = domain.Bar{
				TS:    start.UnixMilli() + int64(i)*hourMS,
				Open:  100, High: 101, Low: 99, Close: 100, Volume: 10,
			}
		}
		return out
	}
	require.NoError(t, candles.InsertBatch(ctx, "BTCUSDT", "1h", bars(now.AddDate(0, 0, -10), 10)))
	require.NoError(t, candles.InsertBatch(ctx, "BTCUSDT", "1h", bars(now.Add(-5*time.Hour), 5)))

	require.NoError(t, snapshots.Put(ctx, "tickers", map[string]float64{"BTCUSDT": 100}, -time.Second))

	job := NewCacheMaintenanceJob(svc, snapshots, db, zerolog.Nop())
	require.NoError(t, job.Run())

	count, err := candles.Count(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 5, count, "bars past retention should be pruned")

	var out map[string]float64
	found, err := snapshots.Get(ctx, "tickers", &out)
	require.NoError(t, err)
	assert.False(t, found, "expired snapshot should be deleted")
}

func TestCacheMaintenanceNoRetentionConfigured(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	candles, err := marketdata.NewCandleRepository(db)
	require.NoError(t, err)
	snapshots, err := marketdata.NewSnapshotRepository(db)
	require.NoError(t, err)

	svc := marketdata.NewService(exchange.NewFake(), candles, snapshots, config.DataConfig{}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, candles.InsertBatch(ctx, "ETHUSDT", "1h", []domain.Bar{
		{TS: time.Now().AddDate(0, 0, -30).UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1},
	}))

	job := NewCacheMaintenanceJob(svc, snapshots, db, zerolog.Nop())
	require.NoError(t, job.Run())

	count, err := candles.Count(ctx, "ETHUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "retention 0 disables pruning")
}
