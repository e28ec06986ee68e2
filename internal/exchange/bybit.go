package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/clients/bybit"
	"github.com/jbeckert/crosswind/internal/domain"
)

// AdapterConfig holds the universe filters and pagination policy.
type AdapterConfig struct {
	Quote           string
	MaxSymbols      int
	MinUSDVolume24h float64
	MinPrice        float64
	MaxPerRequest   int
	MaxPages        int
	Throttle        time.Duration
}

// BybitAdapter implements Adapter over the Bybit v5 REST client.
type BybitAdapter struct {
	client *bybit.Client
	cfg    AdapterConfig
	sink   FailureSink
	log    zerolog.Logger

	calls atomic.Int64

	mu        sync.RWMutex
	rawToUni  map[string]string
	uniToInst map[string]domain.Instrument
}

// NewBybitAdapter creates the adapter. sink may be nil.
func NewBybitAdapter(client *bybit.Client, cfg AdapterConfig, sink FailureSink, log zerolog.Logger) *BybitAdapter {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.MaxPerRequest <= 0 {
		cfg.MaxPerRequest = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	return &BybitAdapter{
		client:    client,
		cfg:       cfg,
		sink:      sink,
		log:       log.With().Str("service", "exchange").Logger(),
		rawToUni:  make(map[string]string),
		uniToInst: make(map[string]domain.Instrument),
	}
}

// Calls returns the monotonic adapter call counter.
func (a *BybitAdapter) Calls() int64 {
	return a.calls.Load()
}

// done records one call outcome and classifies the error.
func (a *BybitAdapter) done(err error) error {
	a.calls.Add(1)
	now := time.Now().UTC()
	if err == nil {
		a.sink.RecordSuccess(now)
		return nil
	}
	classified, category := classify(err)
	a.sink.RecordFailure(now, category)
	return classified
}

// unified resolves a raw exchange symbol to its unified form, falling back
// to a quote-suffix split when the instrument map has not been primed.
func (a *BybitAdapter) unified(raw string) (string, bool) {
	a.mu.RLock()
	uni, ok := a.rawToUni[raw]
	a.mu.RUnlock()
	if ok {
		return uni, true
	}
	if strings.HasSuffix(raw, a.cfg.Quote) && len(raw) > len(a.cfg.Quote) {
		base := strings.TrimSuffix(raw, a.cfg.Quote)
		return bybit.ToUnifiedSymbol(base, a.cfg.Quote), true
	}
	return "", false
}

// Instrument returns cached instrument metadata for a unified symbol.
func (a *BybitAdapter) Instrument(symbol string) (domain.Instrument, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	inst, ok := a.uniToInst[symbol]
	return inst, ok
}

// ListInstruments fetches metadata and tickers, applies the universe
// filters and returns instruments ordered by 24h volume descending,
// truncated at MaxSymbols.
func (a *BybitAdapter) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	infos, err := a.client.GetInstruments(ctx)
	if err = a.done(err); err != nil {
		return nil, err
	}
	tickers, err := a.client.GetTickers(ctx, "")
	if err = a.done(err); err != nil {
		return nil, err
	}

	tickerBySymbol := make(map[string]bybit.TickerInfo, len(tickers))
	for _, t := range tickers {
		tickerBySymbol[t.Symbol] = t
	}

	instruments := make([]domain.Instrument, 0, len(infos))
	a.mu.Lock()
	for _, info := range infos {
		var ticker *bybit.TickerInfo
		if t, ok := tickerBySymbol[info.Symbol]; ok {
			ticker = &t
		}
		inst := bybit.TransformInstrument(info, ticker)
		a.rawToUni[info.Symbol] = inst.Symbol
		a.uniToInst[inst.Symbol] = inst

		if !inst.IsPerpetual || !inst.Active {
			continue
		}
		if inst.Quote != a.cfg.Quote {
			continue
		}
		if inst.Volume24hUSD < a.cfg.MinUSDVolume24h {
			continue
		}
		if inst.LastPrice < a.cfg.MinPrice {
			continue
		}
		instruments = append(instruments, inst)
	}
	a.mu.Unlock()

	sort.Slice(instruments, func(i, j int) bool {
		if instruments[i].Volume24hUSD != instruments[j].Volume24hUSD {
			return instruments[i].Volume24hUSD > instruments[j].Volume24hUSD
		}
		return instruments[i].Symbol < instruments[j].Symbol
	})
	if a.cfg.MaxSymbols > 0 && len(instruments) > a.cfg.MaxSymbols {
		instruments = instruments[:a.cfg.MaxSymbols]
	}
	return instruments, nil
}

// FetchBars returns the most recent limit bars, walking backward from the
// latest page using the oldest-seen timestamp. It returns an error rather
// than a silently short result when the pagination cap interrupts a range
// the exchange still had data for; a short result is returned only when the
// instrument's history is genuinely exhausted.
func (a *BybitAdapter) FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	interval, err := bybit.IntervalFromTimeframe(timeframe)
	if err != nil {
		return nil, Fatal(err)
	}
	raw := bybit.ToExchangeSymbol(symbol)

	collected := make(map[int64]domain.Bar, limit)
	var end int64
	exhausted := false

	for pages := 0; len(collected) < limit; pages++ {
		if pages >= a.cfg.MaxPages {
			return nil, Transient(fmt.Errorf("pagination cap %d reached for %s with %d/%d bars", a.cfg.MaxPages, symbol, len(collected), limit))
		}

		pageLimit := limit - len(collected)
		if pageLimit > a.cfg.MaxPerRequest {
			pageLimit = a.cfg.MaxPerRequest
		}

		klines, err := a.client.GetKlines(ctx, raw, interval, 0, end, pageLimit)
		if err = a.done(err); err != nil {
			return nil, err
		}
		page := bybit.TransformKlines(klines)
		if len(page) == 0 {
			exhausted = true
			break
		}

		for _, bar := range page {
			collected[bar.TS] = bar
		}
		end = page[0].TS - 1

		if len(page) < pageLimit {
			exhausted = true
			break
		}
		if len(collected) < limit {
			a.throttle(ctx)
		}
	}

	bars := sortBars(collected)
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	if len(bars) < limit && !exhausted {
		return nil, Transient(fmt.Errorf("incomplete bar fetch for %s: got %d of %d", symbol, len(bars), limit))
	}
	return bars, nil
}

// FetchBarsRange returns bars with open time in [start, end], walking
// forward from start.
func (a *BybitAdapter) FetchBarsRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]domain.Bar, error) {
	if end < start {
		return nil, Fatal(fmt.Errorf("invalid bar range: end %d before start %d", end, start))
	}
	interval, err := bybit.IntervalFromTimeframe(timeframe)
	if err != nil {
		return nil, Fatal(err)
	}
	raw := bybit.ToExchangeSymbol(symbol)

	collected := make(map[int64]domain.Bar)
	cursor := start

	for pages := 0; cursor <= end; pages++ {
		if pages >= a.cfg.MaxPages {
			return nil, Transient(fmt.Errorf("pagination cap %d reached for %s range fetch", a.cfg.MaxPages, symbol))
		}

		klines, err := a.client.GetKlines(ctx, raw, interval, cursor, end, a.cfg.MaxPerRequest)
		if err = a.done(err); err != nil {
			return nil, err
		}
		page := bybit.TransformKlines(klines)
		if len(page) == 0 {
			break
		}

		for _, bar := range page {
			if bar.TS >= start && bar.TS <= end {
				collected[bar.TS] = bar
			}
		}

		newest := page[len(page)-1].TS
		if newest+1 <= cursor {
			break
		}
		cursor = newest + 1

		if len(page) < a.cfg.MaxPerRequest {
			break
		}
		a.throttle(ctx)
	}

	return sortBars(collected), nil
}

// throttle sleeps the configured delay between paginated requests.
func (a *BybitAdapter) throttle(ctx context.Context) {
	if a.cfg.Throttle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(a.cfg.Throttle):
	}
}

func (a *BybitAdapter) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	raw := bybit.ToExchangeSymbol(symbol)
	rows, err := a.client.GetTickers(ctx, raw)
	if err = a.done(err); err != nil {
		return domain.Ticker{}, err
	}
	if len(rows) == 0 {
		return domain.Ticker{}, Transient(fmt.Errorf("no ticker returned for %s", symbol))
	}
	return bybit.TransformTicker(symbol, rows[0]), nil
}

func (a *BybitAdapter) FetchTickers(ctx context.Context) (map[string]domain.Ticker, error) {
	rows, err := a.client.GetTickers(ctx, "")
	if err = a.done(err); err != nil {
		return nil, err
	}
	tickers := make(map[string]domain.Ticker, len(rows))
	for _, row := range rows {
		uni, ok := a.unified(row.Symbol)
		if !ok {
			continue
		}
		tickers[uni] = bybit.TransformTicker(uni, row)
	}
	return tickers, nil
}

func (a *BybitAdapter) FetchOrderBookTop(ctx context.Context, symbol string) (domain.OrderBookTop, error) {
	raw := bybit.ToExchangeSymbol(symbol)
	book, err := a.client.GetOrderBook(ctx, raw, 1)
	if err = a.done(err); err != nil {
		return domain.OrderBookTop{}, err
	}
	return bybit.TransformOrderBookTop(symbol, *book), nil
}

func (a *BybitAdapter) FetchFundingRate(ctx context.Context, symbol string) (domain.FundingSnapshot, error) {
	raw := bybit.ToExchangeSymbol(symbol)
	rows, err := a.client.GetTickers(ctx, raw)
	if err = a.done(err); err != nil {
		return domain.FundingSnapshot{}, err
	}
	if len(rows) == 0 {
		return domain.FundingSnapshot{}, Transient(fmt.Errorf("no funding data returned for %s", symbol))
	}
	return bybit.TransformFunding(symbol, rows[0]), nil
}

func (a *BybitAdapter) FetchFundingRates(ctx context.Context) (map[string]domain.FundingSnapshot, error) {
	rows, err := a.client.GetTickers(ctx, "")
	if err = a.done(err); err != nil {
		return nil, err
	}
	rates := make(map[string]domain.FundingSnapshot, len(rows))
	for _, row := range rows {
		uni, ok := a.unified(row.Symbol)
		if !ok {
			continue
		}
		rates[uni] = bybit.TransformFunding(uni, row)
	}
	return rates, nil
}

func (a *BybitAdapter) FetchPositions(ctx context.Context) ([]LivePosition, error) {
	rows, err := a.client.GetPositions(ctx, a.cfg.Quote)
	if err = a.done(err); err != nil {
		return nil, err
	}
	positions := make([]LivePosition, 0, len(rows))
	for _, row := range rows {
		uni, ok := a.unified(row.Symbol)
		if !ok {
			continue
		}
		pos := bybit.TransformPosition(uni, row)
		if pos.Size == 0 {
			continue
		}
		positions = append(positions, LivePosition{
			Symbol:   pos.Symbol,
			Size:     pos.Size,
			AvgPrice: pos.AvgPrice,
		})
	}
	return positions, nil
}

func (a *BybitAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	raw := ""
	if symbol != "" {
		raw = bybit.ToExchangeSymbol(symbol)
	}
	rows, err := a.client.GetOpenOrders(ctx, a.cfg.Quote, raw)
	if err = a.done(err); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		uni, ok := a.unified(row.Symbol)
		if !ok {
			continue
		}
		orders = append(orders, bybit.TransformOrder(uni, row))
	}
	return orders, nil
}

func (a *BybitAdapter) PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error) {
	timeInForce := "GTC"
	if req.PostOnly {
		timeInForce = "PostOnly"
	}
	orderID, err := a.client.PlaceOrder(ctx, bybit.PlaceOrderRequest{
		Symbol:      bybit.ToExchangeSymbol(req.Symbol),
		Side:        string(req.Side),
		OrderType:   "Limit",
		Qty:         strconv.FormatFloat(req.Size, 'f', -1, 64),
		Price:       strconv.FormatFloat(req.Price, 'f', -1, 64),
		TimeInForce: timeInForce,
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.LinkID,
	})
	if err = a.done(err); err != nil {
		return "", err
	}
	return orderID, nil
}

func (a *BybitAdapter) Cancel(ctx context.Context, symbol, orderID string) error {
	err := a.client.CancelOrder(ctx, bybit.ToExchangeSymbol(symbol), orderID)
	return a.done(err)
}

func (a *BybitAdapter) FetchEquityAndMargin(ctx context.Context) (domain.MarginInfo, error) {
	balance, err := a.client.GetWalletBalance(ctx)
	if err = a.done(err); err != nil {
		return domain.MarginInfo{}, err
	}
	info := domain.MarginInfo{
		Equity:     parseBalanceField(balance.TotalEquity),
		UsedMargin: parseBalanceField(balance.TotalInitialMargin),
	}
	if info.Equity > 0 {
		info.MarginRatio = info.UsedMargin / info.Equity
	}
	return info, nil
}

func parseBalanceField(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// sortBars flattens the dedupe map into an ascending slice.
func sortBars(collected map[int64]domain.Bar) []domain.Bar {
	bars := make([]domain.Bar, 0, len(collected))
	for _, bar := range collected {
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS < bars[j].TS })
	return bars
}
