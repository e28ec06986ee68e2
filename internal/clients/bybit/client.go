// Package bybit provides a thin client for the Bybit v5 REST API.
// It owns transport concerns only: request signing, throttling, retries
// with backoff and a circuit breaker around the HTTP round trip. Pagination
// policy and domain mapping live in the exchange adapter.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	categoryLinear = "linear"

	maxAttempts    = 3
	backoffBase    = 500 * time.Millisecond
	requestTimeout = 15 * time.Second
)

// ClientConfig holds client construction parameters.
type ClientConfig struct {
	BaseURL           string // empty selects mainnet/testnet by the Testnet flag
	Testnet           bool
	APIKey            string
	APISecret         string
	RecvWindowMS      int
	RequestsPerSecond float64 // client-side throttle, 0 disables
}

// Client is a Bybit v5 REST client.
type Client struct {
	http       *resty.Client
	log        zerolog.Logger
	apiKey     string
	apiSecret  string
	recvWindow string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a Bybit client. Credentials may be empty for
// public-endpoint-only use; private calls then fail with an auth error.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Testnet {
			baseURL = testnetBaseURL
		} else {
			baseURL = mainnetBaseURL
		}
	}
	recvWindow := cfg.RecvWindowMS
	if recvWindow <= 0 {
		recvWindow = 5000
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bybit-rest",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
	})

	return &Client{
		http:       httpClient,
		log:        log.With().Str("client", "bybit").Logger(),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: strconv.Itoa(recvWindow),
		limiter:    limiter,
		breaker:    breaker,
	}
}

// request performs one logical API call with throttling, signing, retries
// and envelope decoding. out receives the parsed `result` object.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, auth bool, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			sleep := backoffBase*time.Duration(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := c.doOnce(ctx, method, path, query, body, auth, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("retrying request")
	}
	return lastErr
}

// doOnce executes a single HTTP round trip through the circuit breaker.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any, auth bool, out any) error {
	result, err := c.breaker.Execute(func() (any, error) {
		req := c.http.R().SetContext(ctx)

		queryString := ""
		if query != nil {
			queryString = query.Encode()
			req.SetQueryParamsFromValues(query)
		}

		var bodyJSON []byte
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			bodyJSON = encoded
			req.SetBody(bodyJSON)
		}

		if auth {
			timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
			payload := queryString
			if method == http.MethodPost {
				payload = string(bodyJSON)
			}
			req.SetHeaders(map[string]string{
				"X-BAPI-API-KEY":     c.apiKey,
				"X-BAPI-TIMESTAMP":   timestamp,
				"X-BAPI-RECV-WINDOW": c.recvWindow,
				"X-BAPI-SIGN":        c.sign(timestamp + c.apiKey + c.recvWindow + payload),
			})
		}

		var resp *resty.Response
		var err error
		switch method {
		case http.MethodGet:
			resp, err = req.Get(path)
		case http.MethodPost:
			resp, err = req.Post(path)
		default:
			return nil, fmt.Errorf("unsupported method %s", method)
		}
		if err != nil {
			return nil, &TransportError{Path: path, Err: err}
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{HTTPStatus: resp.StatusCode(), Path: path, RetMsg: http.StatusText(resp.StatusCode())}
		}
		return resp.Body(), nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &TransportError{Path: path, Err: err}
		}
		return err
	}

	raw, ok := result.([]byte)
	if !ok {
		return fmt.Errorf("unexpected breaker result type %T", result)
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	if envelope.RetCode != 0 {
		return &APIError{RetCode: envelope.RetCode, RetMsg: envelope.RetMsg, Path: path}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode result from %s: %w", path, err)
		}
	}
	return nil
}

// sign computes the v5 HMAC-SHA256 request signature.
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetInstruments returns all linear instruments, following the server-side
// cursor until exhausted.
func (c *Client) GetInstruments(ctx context.Context) ([]InstrumentInfo, error) {
	var all []InstrumentInfo
	cursor := ""
	for {
		query := url.Values{}
		query.Set("category", categoryLinear)
		query.Set("limit", "1000")
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var result instrumentsResult
		if err := c.request(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch instruments: %w", err)
		}
		all = append(all, result.List...)
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return all, nil
}

// GetKlines returns one page of candles for the symbol, newest first as the
// exchange delivers them. start/end are UTC milliseconds; zero values are
// omitted.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Kline, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))
	if start > 0 {
		query.Set("start", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		query.Set("end", strconv.FormatInt(end, 10))
	}

	var result klineResult
	if err := c.request(ctx, http.MethodGet, "/v5/market/kline", query, nil, false, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}
	return parseKlines(result.List)
}

// GetTickers returns 24h ticker rows for all linear instruments, or for a
// single symbol when one is given.
func (c *Client) GetTickers(ctx context.Context, symbol string) ([]TickerInfo, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	if symbol != "" {
		query.Set("symbol", symbol)
	}

	var result tickersResult
	if err := c.request(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch tickers: %w", err)
	}
	return result.List, nil
}

// GetOrderBook returns the top levels of the book for a symbol.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBookResult, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)
	query.Set("limit", strconv.Itoa(depth))

	var result OrderBookResult
	if err := c.request(ctx, http.MethodGet, "/v5/market/orderbook", query, nil, false, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch order book for %s: %w", symbol, err)
	}
	return &result, nil
}

// GetPositions returns all open linear positions settled in the coin.
func (c *Client) GetPositions(ctx context.Context, settleCoin string) ([]PositionInfo, error) {
	var all []PositionInfo
	cursor := ""
	for {
		query := url.Values{}
		query.Set("category", categoryLinear)
		query.Set("settleCoin", settleCoin)
		query.Set("limit", "200")
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var result positionsResult
		if err := c.request(ctx, http.MethodGet, "/v5/position/list", query, nil, true, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch positions: %w", err)
		}
		all = append(all, result.List...)
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return all, nil
}

// GetOpenOrders returns open orders, optionally restricted to one symbol.
func (c *Client) GetOpenOrders(ctx context.Context, settleCoin, symbol string) ([]OrderInfo, error) {
	var all []OrderInfo
	cursor := ""
	for {
		query := url.Values{}
		query.Set("category", categoryLinear)
		if symbol != "" {
			query.Set("symbol", symbol)
		} else {
			query.Set("settleCoin", settleCoin)
		}
		query.Set("limit", "50")
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var result ordersResult
		if err := c.request(ctx, http.MethodGet, "/v5/order/realtime", query, nil, true, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch open orders: %w", err)
		}
		all = append(all, result.List...)
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return all, nil
}

// PlaceOrderRequest is the payload for order creation.
type PlaceOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

// PlaceOrder submits an order and returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	if req.Category == "" {
		req.Category = categoryLinear
	}

	var result orderCreateResult
	if err := c.request(ctx, http.MethodPost, "/v5/order/create", nil, req, true, &result); err != nil {
		return "", fmt.Errorf("failed to place order for %s: %w", req.Symbol, err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if err := c.request(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetWalletBalance returns the unified account balance snapshot.
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	var result walletResult
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, true, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("wallet balance response contained no accounts")
	}
	return &result.List[0], nil
}
