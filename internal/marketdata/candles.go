// Package marketdata caches OHLCV candles and market snapshots in sqlite
// and validates bars before they reach the signal pipeline.
package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jbeckert/crosswind/internal/database"
	"github.com/jbeckert/crosswind/internal/domain"
)

const candleSchema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol    TEXT    NOT NULL,
	timeframe TEXT    NOT NULL,
	ts        INTEGER NOT NULL,
	open      REAL    NOT NULL,
	high      REAL    NOT NULL,
	low       REAL    NOT NULL,
	close     REAL    NOT NULL,
	volume    REAL    NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts)
);
CREATE INDEX IF NOT EXISTS idx_candles_ts ON candles (timeframe, ts);
`

// CandleRepository stores OHLCV bars keyed by (symbol, timeframe, open time).
type CandleRepository struct {
	db *sql.DB
}

// NewCandleRepository creates the repository and ensures the schema exists.
func NewCandleRepository(db *sql.DB) (*CandleRepository, error) {
	if _, err := db.Exec(candleSchema); err != nil {
		return nil, fmt.Errorf("failed to create candles schema: %w", err)
	}
	return &CandleRepository{db: db}, nil
}

// InsertBatch upserts bars in a single transaction. Bars already present
// for the same (symbol, timeframe, ts) are replaced, which makes refetching
// an overlapping window idempotent.
func (r *CandleRepository) InsertBatch(ctx context.Context, symbol, timeframe string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO candles
			(symbol, timeframe, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare candle insert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, symbol, timeframe, b.TS, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("failed to insert candle %s %s ts=%d: %w", symbol, timeframe, b.TS, err)
			}
		}
		return nil
	})
}

// Latest returns the newest limit bars ascending by open time.
func (r *CandleRepository) Latest(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC LIMIT ?`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest candles for %s: %w", symbol, err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}

	// Query returned newest first; callers get ascending order.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// Range returns bars with open time in [start, end], ascending.
func (r *CandleRepository) Range(ctx context.Context, symbol, timeframe string, start, end int64) ([]domain.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM candles
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range for %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// NewestTS returns the open time of the most recent cached bar, or
// (0, false) when nothing is cached for the pair.
func (r *CandleRepository) NewestTS(ctx context.Context, symbol, timeframe string) (int64, bool, error) {
	var ts sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, timeframe).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query newest candle ts for %s: %w", symbol, err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// Count returns the number of cached bars for the pair.
func (r *CandleRepository) Count(ctx context.Context, symbol, timeframe string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, timeframe).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles for %s: %w", symbol, err)
	}
	return n, nil
}

// DeleteOlderThan removes bars with open time before cutoff across all
// symbols of the timeframe. Returns the number of rows deleted.
func (r *CandleRepository) DeleteOlderThan(ctx context.Context, timeframe string, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM candles WHERE timeframe = ? AND ts < ?`,
		timeframe, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete candles before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// Timeframes returns the distinct timeframes present in the cache.
func (r *CandleRepository) Timeframes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT timeframe FROM candles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached timeframes: %w", err)
	}
	defer rows.Close()

	var tfs []string
	for rows.Next() {
		var tf string
		if err := rows.Scan(&tf); err != nil {
			return nil, fmt.Errorf("failed to scan timeframe: %w", err)
		}
		tfs = append(tfs, tf)
	}
	return tfs, rows.Err()
}

// Symbols returns the distinct symbols cached for a timeframe.
func (r *CandleRepository) Symbols(ctx context.Context, timeframe string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM candles WHERE timeframe = ? ORDER BY symbol`, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candles: %w", err)
	}
	return bars, nil
}
