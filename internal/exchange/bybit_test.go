package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeckert/crosswind/internal/clients/bybit"
)

type recordingSink struct {
	mu        sync.Mutex
	failures  []string
	successes int
}

func (s *recordingSink) RecordFailure(_ time.Time, category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, category)
}

func (s *recordingSink) RecordSuccess(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc, cfg AdapterConfig, sink FailureSink) *BybitAdapter {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := bybit.NewClient(bybit.ClientConfig{
		BaseURL:   ts.URL,
		APIKey:    "test-key",
		APISecret: "test-secret",
	}, zerolog.Nop())
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	return NewBybitAdapter(client, cfg, sink, zerolog.Nop())
}

func writeEnvelope(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	resp := map[string]any{"retCode": 0, "retMsg": "OK", "result": json.RawMessage(raw)}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRetCode(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"retCode": code, "retMsg": msg, "result": map[string]any{}})
}

// klineRow builds one positional candle row with a close derived from ts so
// assertions can tell bars apart.
func klineRow(ts int64) []string {
	c := float64(ts) / 1000
	return []string{
		fmt.Sprintf("%d", ts),
		fmt.Sprintf("%g", c-1), fmt.Sprintf("%g", c+1), fmt.Sprintf("%g", c-2), fmt.Sprintf("%g", c),
		"10",
	}
}

func TestFetchBarsPaginatesAndDeduplicates(t *testing.T) {
	var mu sync.Mutex
	var ends []string

	handler := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/kline", r.URL.Path)
		mu.Lock()
		page := len(ends)
		ends = append(ends, r.URL.Query().Get("end"))
		mu.Unlock()

		// Newest first, as the exchange delivers. The second page repeats
		// ts=3000 across the boundary on purpose.
		var rows [][]string
		switch page {
		case 0:
			rows = [][]string{klineRow(5000), klineRow(4000), klineRow(3000)}
		case 1:
			rows = [][]string{klineRow(3000), klineRow(2000)}
		default:
			rows = [][]string{klineRow(1000)}
		}
		writeEnvelope(w, map[string]any{"symbol": "BTCUSDT", "list": rows})
	}

	adapter := newTestAdapter(t, handler, AdapterConfig{MaxPerRequest: 3, MaxPages: 5}, nil)
	bars, err := adapter.FetchBars(context.Background(), "BTC/USDT:USDT", "1h", 5)
	require.NoError(t, err)

	require.Len(t, bars, 5)
	for i, want := range []int64{1000, 2000, 3000, 4000, 5000} {
		assert.Equal(t, want, bars[i].TS)
	}
	assert.Equal(t, []string{"", "2999", "1999"}, ends)
	assert.Equal(t, int64(3), adapter.Calls())
}

func TestFetchBarsPaginationCapIsTransient(t *testing.T) {
	var mu sync.Mutex
	reqs := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqs++
		base := int64(1_000_000_000 - reqs*10_000_000)
		mu.Unlock()
		writeEnvelope(w, map[string]any{"symbol": "BTCUSDT", "list": [][]string{
			klineRow(base), klineRow(base - 3_600_000),
		}})
	}

	adapter := newTestAdapter(t, handler, AdapterConfig{MaxPerRequest: 2, MaxPages: 2}, nil)
	_, err := adapter.FetchBars(context.Background(), "BTC/USDT:USDT", "1h", 10)

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "pagination cap")
}

func TestFetchBarsShortHistoryIsNotAnError(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		// A newly listed contract with two closed bars total.
		writeEnvelope(w, map[string]any{"symbol": "NEWUSDT", "list": [][]string{
			klineRow(2000), klineRow(1000),
		}})
	}

	adapter := newTestAdapter(t, handler, AdapterConfig{MaxPerRequest: 10, MaxPages: 5}, nil)
	bars, err := adapter.FetchBars(context.Background(), "NEW/USDT:USDT", "1h", 5)

	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1000), bars[0].TS)
}

func TestListInstrumentsFiltersAndRanksByVolume(t *testing.T) {
	instrument := func(base, quote, contractType, status string) map[string]any {
		return map[string]any{
			"symbol":       base + quote,
			"contractType": contractType,
			"status":       status,
			"baseCoin":     base,
			"quoteCoin":    quote,
			"priceFilter":  map[string]any{"tickSize": "0.5"},
			"lotSizeFilter": map[string]any{
				"qtyStep": "0.001", "minOrderQty": "0.001", "minNotionalValue": "5",
			},
		}
	}
	ticker := func(symbol, turnover, last string) map[string]any {
		return map[string]any{"symbol": symbol, "turnover24h": turnover, "lastPrice": last}
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			writeEnvelope(w, map[string]any{"list": []map[string]any{
				instrument("BTC", "USDT", "LinearPerpetual", "Trading"),
				instrument("ETH", "USDT", "LinearPerpetual", "Trading"),
				instrument("SOL", "USDT", "LinearPerpetual", "Trading"),
				instrument("DOGE", "USDT", "LinearPerpetual", "Trading"), // thin volume
				instrument("XRP", "USDC", "LinearPerpetual", "Trading"), // wrong quote
				instrument("OLD", "USDT", "LinearPerpetual", "Settling"),
			}, "nextPageCursor": ""})
		case "/v5/market/tickers":
			writeEnvelope(w, map[string]any{"list": []map[string]any{
				ticker("BTCUSDT", "5000000000", "60000"),
				ticker("ETHUSDT", "3000000000", "3000"),
				ticker("SOLUSDT", "900000000", "150"),
				ticker("DOGEUSDT", "200000", "0.1"),
				ticker("XRPUSDC", "800000000", "0.6"),
				ticker("OLDUSDT", "700000000", "10"),
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}

	adapter := newTestAdapter(t, handler, AdapterConfig{
		MaxSymbols:      2,
		MinUSDVolume24h: 1_000_000,
		MinPrice:        0.5,
	}, nil)

	instruments, err := adapter.ListInstruments(context.Background())
	require.NoError(t, err)

	require.Len(t, instruments, 2, "volume rank truncated at max symbols")
	assert.Equal(t, "BTC/USDT:USDT", instruments[0].Symbol)
	assert.Equal(t, "ETH/USDT:USDT", instruments[1].Symbol)
	assert.Equal(t, 0.5, instruments[0].TickSize)

	// Filtered instruments still prime the metadata cache.
	inst, ok := adapter.Instrument("SOL/USDT:USDT")
	require.True(t, ok)
	assert.Equal(t, 0.001, inst.QtyStep)
}

func TestAuthFailureIsFatalAndFeedsSink(t *testing.T) {
	var mu sync.Mutex
	reqs := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqs++
		mu.Unlock()
		writeRetCode(w, 10003, "invalid api key")
	}

	sink := &recordingSink{}
	adapter := newTestAdapter(t, handler, AdapterConfig{}, sink)
	_, err := adapter.FetchPositions(context.Background())

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, reqs, "auth failures must not be retried")
	assert.Equal(t, []string{"auth"}, sink.failures)
}

func TestBusinessRejectionIsTransientProtocolFailure(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		writeRetCode(w, 110007, "insufficient available balance")
	}

	sink := &recordingSink{}
	adapter := newTestAdapter(t, handler, AdapterConfig{}, sink)
	_, err := adapter.PlaceLimit(context.Background(), LimitOrderRequest{
		Symbol: "BTC/USDT:USDT", Side: "Buy", Price: 60000, Size: 0.01,
	})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, []string{"protocol"}, sink.failures)
}

func TestSuccessesReachTheSink(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]any{"symbol": "BTCUSDT", "list": [][]string{klineRow(1000)}})
	}

	sink := &recordingSink{}
	adapter := newTestAdapter(t, handler, AdapterConfig{}, sink)
	_, err := adapter.FetchBars(context.Background(), "BTC/USDT:USDT", "1h", 1)

	require.NoError(t, err)
	assert.Equal(t, 1, sink.successes)
	assert.Empty(t, sink.failures)
}
