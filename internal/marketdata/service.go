package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
)

// Service is the read-through market data layer: candle history served from
// sqlite with gaps filled from the exchange, plus short-TTL ticker and
// funding snapshots.
type Service struct {
	adapter   exchange.Adapter
	candles   *CandleRepository
	snapshots *SnapshotRepository
	validator *Validator
	cfg       config.DataConfig
	log       zerolog.Logger

	now func() time.Time
}

// NewService wires the market data service.
func NewService(adapter exchange.Adapter, candles *CandleRepository, snapshots *SnapshotRepository, cfg config.DataConfig, log zerolog.Logger) *Service {
	scoped := log.With().Str("service", "marketdata").Logger()
	return &Service{
		adapter:   adapter,
		candles:   candles,
		snapshots: snapshots,
		validator: NewValidator(cfg.Validation, log),
		cfg:       cfg,
		log:       scoped,
		now:       time.Now,
	}
}

// lastClosedOpenTS returns the open time (ms) of the most recent closed bar.
func (s *Service) lastClosedOpenTS(timeframe string) int64 {
	step := config.TimeframeDuration(timeframe).Milliseconds()
	if step <= 0 {
		return 0
	}
	nowMS := s.now().UTC().UnixMilli()
	currentOpen := (nowMS / step) * step
	return currentOpen - step
}

// History returns the newest limit closed bars for the pair, ascending,
// filling the cache from the exchange as needed. The still-forming bar is
// neither cached nor returned.
func (s *Service) History(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.cfg.MaxCandlesTotal > 0 && limit > s.cfg.MaxCandlesTotal {
		limit = s.cfg.MaxCandlesTotal
	}

	step := config.TimeframeDuration(timeframe).Milliseconds()
	if step <= 0 {
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	lastClosed := s.lastClosedOpenTS(timeframe)

	newest, haveAny, err := s.candles.NewestTS(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}

	fullFetchDone := false
	switch {
	case !haveAny:
		if err := s.fetchLatest(ctx, symbol, timeframe, limit, lastClosed); err != nil {
			return nil, err
		}
		fullFetchDone = true
	case newest < lastClosed:
		// Tail fill from the bar after the newest cached one.
		fetched, err := s.adapter.FetchBarsRange(ctx, symbol, timeframe, newest+step, lastClosed+step-1)
		if err != nil {
			return nil, fmt.Errorf("failed to fill candle tail for %s %s: %w", symbol, timeframe, err)
		}
		if err := s.store(ctx, symbol, timeframe, fetched, lastClosed); err != nil {
			return nil, err
		}
	}

	// Deep history fill when the cache is shorter than requested. Skipped
	// right after a full fetch: a short result there means the listing is
	// young and no more history exists.
	count, err := s.candles.Count(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if count < limit && !fullFetchDone {
		if err := s.fetchLatest(ctx, symbol, timeframe, limit, lastClosed); err != nil {
			return nil, err
		}
	}

	return s.candles.Latest(ctx, symbol, timeframe, limit)
}

// fetchLatest pulls the newest limit bars from the exchange and caches the
// closed ones.
func (s *Service) fetchLatest(ctx context.Context, symbol, timeframe string, limit int, lastClosed int64) error {
	// One extra bar so the forming bar does not eat into the request.
	fetched, err := s.adapter.FetchBars(ctx, symbol, timeframe, limit+1)
	if err != nil {
		return fmt.Errorf("failed to fetch candles for %s %s: %w", symbol, timeframe, err)
	}
	return s.store(ctx, symbol, timeframe, fetched, lastClosed)
}

// store caches bars with open time at or before lastClosed.
func (s *Service) store(ctx context.Context, symbol, timeframe string, bars []domain.Bar, lastClosed int64) error {
	closed := bars
	for len(closed) > 0 && closed[len(closed)-1].TS > lastClosed {
		closed = closed[:len(closed)-1]
	}
	if len(closed) == 0 {
		return nil
	}
	if err := s.candles.InsertBatch(ctx, symbol, timeframe, closed); err != nil {
		return fmt.Errorf("failed to cache candles for %s %s: %w", symbol, timeframe, err)
	}
	s.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("bars", len(closed)).
		Msg("Cached candles")
	return nil
}

// RecentBars fetches the newest limit bars straight from the exchange,
// including the still-forming one. The fast exit monitor uses this; the
// cache is bypassed for freshness.
func (s *Service) RecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	bars, err := s.adapter.FetchBars(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent bars for %s %s: %w", symbol, timeframe, err)
	}
	return bars, nil
}

// Validate screens a bar series and returns the per-symbol report.
func (s *Service) Validate(symbol, timeframe string, bars []domain.Bar) Report {
	return s.validator.Validate(symbol, timeframe, bars)
}

func (s *Service) snapshotTTL() time.Duration {
	if s.cfg.Cache.SnapshotTTLSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.Cache.SnapshotTTLSec) * time.Second
}

// Tickers returns all perp tickers, served from the snapshot cache within
// its TTL. A failed refresh falls back to the stale snapshot when one
// exists; stale data beats no data for spread guards.
func (s *Service) Tickers(ctx context.Context) (map[string]domain.Ticker, error) {
	var cached map[string]domain.Ticker
	if ok, err := s.snapshots.GetFresh(ctx, SnapshotTickers, &cached); err == nil && ok {
		return cached, nil
	}

	fresh, err := s.adapter.FetchTickers(ctx)
	if err != nil {
		var stale map[string]domain.Ticker
		if ok, getErr := s.snapshots.Get(ctx, SnapshotTickers, &stale); getErr == nil && ok {
			s.log.Warn().Err(err).Msg("Ticker refresh failed, serving stale snapshot")
			return stale, nil
		}
		return nil, fmt.Errorf("failed to fetch tickers: %w", err)
	}

	if err := s.snapshots.Put(ctx, SnapshotTickers, fresh, s.snapshotTTL()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache ticker snapshot")
	}
	return fresh, nil
}

// FundingRates returns current funding for all perps with the same TTL and
// stale-fallback behavior as Tickers.
func (s *Service) FundingRates(ctx context.Context) (map[string]domain.FundingSnapshot, error) {
	var cached map[string]domain.FundingSnapshot
	if ok, err := s.snapshots.GetFresh(ctx, SnapshotFunding, &cached); err == nil && ok {
		return cached, nil
	}

	fresh, err := s.adapter.FetchFundingRates(ctx)
	if err != nil {
		var stale map[string]domain.FundingSnapshot
		if ok, getErr := s.snapshots.Get(ctx, SnapshotFunding, &stale); getErr == nil && ok {
			s.log.Warn().Err(err).Msg("Funding refresh failed, serving stale snapshot")
			return stale, nil
		}
		return nil, fmt.Errorf("failed to fetch funding rates: %w", err)
	}

	if err := s.snapshots.Put(ctx, SnapshotFunding, fresh, s.snapshotTTL()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache funding snapshot")
	}
	return fresh, nil
}

// Prune enforces the retention window across all cached timeframes and
// drops expired snapshots. Returns total candle rows deleted.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	if s.cfg.Cache.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.Cache.RetentionDays)

	tfs, err := s.candles.Timeframes(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, tf := range tfs {
		deleted, err := s.candles.DeleteOlderThan(ctx, tf, cutoff)
		if err != nil {
			return total, err
		}
		total += deleted
	}

	if _, err := s.snapshots.DeleteExpired(ctx); err != nil {
		return total, err
	}

	if total > 0 {
		s.log.Info().Int64("deleted", total).Time("cutoff", cutoff).Msg("Pruned candle cache")
	}
	return total, nil
}
