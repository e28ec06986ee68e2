package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/jbeckert/crosswind/internal/domain"
)

// BarKey builds the map key used by Fake.Bars.
func BarKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// Fake is an in-memory Adapter for tests. Populate the public fields, then
// hand it to the code under test. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Instruments []domain.Instrument
	Bars        map[string][]domain.Bar // keyed by BarKey(symbol, timeframe)
	Tickers     map[string]domain.Ticker
	Books       map[string]domain.OrderBookTop
	Funding     map[string]domain.FundingSnapshot
	Positions   []LivePosition
	OpenOrders  []domain.Order
	Margin      domain.MarginInfo

	// Err, when set, fails every call. ErrOn fails only the named method
	// ("FetchPositions", "PlaceLimit", ...).
	Err   error
	ErrOn map[string]error

	// Calls counts invocations by method name, including failed ones.
	Calls map[string]int

	// Recorded writes.
	Placed    []LimitOrderRequest
	Cancelled []string

	nextOrderID int
}

// NewFake returns an empty fake with initialized maps.
func NewFake() *Fake {
	return &Fake{
		Bars:    make(map[string][]domain.Bar),
		Tickers: make(map[string]domain.Ticker),
		Books:   make(map[string]domain.OrderBookTop),
		Funding: make(map[string]domain.FundingSnapshot),
		ErrOn:   make(map[string]error),
		Calls:   make(map[string]int),
	}
}

func (f *Fake) fail(method string) error {
	if f.Calls != nil {
		f.Calls[method]++
	}
	if f.Err != nil {
		return f.Err
	}
	if err, ok := f.ErrOn[method]; ok && err != nil {
		return err
	}
	return nil
}

func (f *Fake) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListInstruments"); err != nil {
		return nil, err
	}
	out := make([]domain.Instrument, len(f.Instruments))
	copy(out, f.Instruments)
	return out, nil
}

func (f *Fake) FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchBars"); err != nil {
		return nil, err
	}
	bars := f.Bars[BarKey(symbol, timeframe)]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (f *Fake) FetchBarsRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchBarsRange"); err != nil {
		return nil, err
	}
	var out []domain.Bar
	for _, bar := range f.Bars[BarKey(symbol, timeframe)] {
		if bar.TS >= start && bar.TS <= end {
			out = append(out, bar)
		}
	}
	return out, nil
}

func (f *Fake) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchTicker"); err != nil {
		return domain.Ticker{}, err
	}
	ticker, ok := f.Tickers[symbol]
	if !ok {
		return domain.Ticker{}, Transient(fmt.Errorf("no ticker for %s", symbol))
	}
	return ticker, nil
}

func (f *Fake) FetchTickers(ctx context.Context) (map[string]domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchTickers"); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Ticker, len(f.Tickers))
	for k, v := range f.Tickers {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) FetchOrderBookTop(ctx context.Context, symbol string) (domain.OrderBookTop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchOrderBookTop"); err != nil {
		return domain.OrderBookTop{}, err
	}
	book, ok := f.Books[symbol]
	if !ok {
		// Derive a deep, tight book from the ticker so tests that do not
		// care about microstructure pass the guards.
		ticker, tok := f.Tickers[symbol]
		if !tok {
			return domain.OrderBookTop{}, Transient(fmt.Errorf("no book for %s", symbol))
		}
		return domain.OrderBookTop{
			Symbol:   symbol,
			BidPrice: ticker.Bid, BidSize: 1e9 / maxPrice(ticker.Bid),
			AskPrice: ticker.Ask, AskSize: 1e9 / maxPrice(ticker.Ask),
		}, nil
	}
	return book, nil
}

func maxPrice(p float64) float64 {
	if p <= 0 {
		return 1
	}
	return p
}

func (f *Fake) FetchFundingRate(ctx context.Context, symbol string) (domain.FundingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchFundingRate"); err != nil {
		return domain.FundingSnapshot{}, err
	}
	return f.Funding[symbol], nil
}

func (f *Fake) FetchFundingRates(ctx context.Context) (map[string]domain.FundingSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchFundingRates"); err != nil {
		return nil, err
	}
	out := make(map[string]domain.FundingSnapshot, len(f.Funding))
	for k, v := range f.Funding {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) FetchPositions(ctx context.Context) ([]LivePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchPositions"); err != nil {
		return nil, err
	}
	out := make([]LivePosition, len(f.Positions))
	copy(out, f.Positions)
	return out, nil
}

func (f *Fake) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchOpenOrders"); err != nil {
		return nil, err
	}
	var out []domain.Order
	for _, order := range f.OpenOrders {
		if symbol == "" || order.Symbol == symbol {
			out = append(out, order)
		}
	}
	return out, nil
}

func (f *Fake) PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("PlaceLimit"); err != nil {
		return "", err
	}
	f.Placed = append(f.Placed, req)
	f.nextOrderID++
	return fmt.Sprintf("fake-%d", f.nextOrderID), nil
}

func (f *Fake) Cancel(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Cancel"); err != nil {
		return err
	}
	f.Cancelled = append(f.Cancelled, orderID)
	remaining := f.OpenOrders[:0]
	for _, order := range f.OpenOrders {
		if order.ID != orderID {
			remaining = append(remaining, order)
		}
	}
	f.OpenOrders = remaining
	return nil
}

func (f *Fake) FetchEquityAndMargin(ctx context.Context) (domain.MarginInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FetchEquityAndMargin"); err != nil {
		return domain.MarginInfo{}, err
	}
	return f.Margin, nil
}

// PlacedReduceOnly returns the recorded reduce-only orders.
func (f *Fake) PlacedReduceOnly() []LimitOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LimitOrderRequest
	for _, req := range f.Placed {
		if req.ReduceOnly {
			out = append(out, req)
		}
	}
	return out
}

// SetPosition replaces or inserts a live position.
func (f *Fake) SetPosition(symbol string, size, avgPrice float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Positions {
		if f.Positions[i].Symbol == symbol {
			if size == 0 {
				f.Positions = append(f.Positions[:i], f.Positions[i+1:]...)
				return
			}
			f.Positions[i].Size = size
			f.Positions[i].AvgPrice = avgPrice
			return
		}
	}
	if size != 0 {
		f.Positions = append(f.Positions, LivePosition{Symbol: symbol, Size: size, AvgPrice: avgPrice})
	}
}

var _ Adapter = (*Fake)(nil)
var _ Adapter = (*BybitAdapter)(nil)
