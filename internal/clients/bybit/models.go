package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// response is the v5 envelope shared by every endpoint.
type response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// InstrumentInfo is one row of /v5/market/instruments-info.
type InstrumentInfo struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	LaunchTime   string `json:"launchTime"`
	PriceFilter  struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

type instrumentsResult struct {
	Category       string           `json:"category"`
	List           []InstrumentInfo `json:"list"`
	NextPageCursor string           `json:"nextPageCursor"`
}

// Kline is one parsed candle. StartMS is the bar open time.
type Kline struct {
	StartMS  int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
}

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

// parseKlines converts the exchange's positional string arrays.
func parseKlines(rows [][]string) ([]Kline, error) {
	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kline start time %q: %w", row[0], err)
		}
		k := Kline{StartMS: start}
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range fields {
			v, err := strconv.ParseFloat(row[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse kline field %d (%q): %w", i+1, row[i+1], err)
			}
			*dst = v
		}
		if len(row) > 6 {
			k.Turnover, _ = strconv.ParseFloat(row[6], 64)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// TickerInfo is one row of /v5/market/tickers.
type TickerInfo struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	IndexPrice      string `json:"indexPrice"`
	MarkPrice       string `json:"markPrice"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	Turnover24h     string `json:"turnover24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type tickersResult struct {
	Category string       `json:"category"`
	List     []TickerInfo `json:"list"`
}

// OrderBookResult is the raw book snapshot: B and A are [price, size] rows.
type OrderBookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	TS     int64      `json:"ts"`
}

// PositionInfo is one row of /v5/position/list.
type PositionInfo struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "Buy", "Sell" or "None"
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	PositionValue string `json:"positionValue"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	UpdatedTime   string `json:"updatedTime"`
}

type positionsResult struct {
	Category       string         `json:"category"`
	List           []PositionInfo `json:"list"`
	NextPageCursor string         `json:"nextPageCursor"`
}

// OrderInfo is one row of /v5/order/realtime.
type OrderInfo struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	TimeInForce string `json:"timeInForce"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
	OrderStatus string `json:"orderStatus"`
}

type ordersResult struct {
	Category       string      `json:"category"`
	List           []OrderInfo `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// WalletBalance is one account row of /v5/account/wallet-balance.
type WalletBalance struct {
	AccountType        string `json:"accountType"`
	TotalEquity        string `json:"totalEquity"`
	TotalInitialMargin string `json:"totalInitialMargin"`
	TotalMaintMargin   string `json:"totalMaintenanceMargin"`
	AccountIMRate      string `json:"accountIMRate"`
}

type walletResult struct {
	List []WalletBalance `json:"list"`
}
