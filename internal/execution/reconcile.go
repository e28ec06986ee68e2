package execution

import (
	"math"
	"time"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
)

// StaleOrders returns the open orders that should be cancelled this cycle:
// anything older than max_age_sec, plus anything whose price drifted more
// than reprice_if_far_bps from the current reference price. Cancelled
// orders are re-planned next cycle at a fresh price.
func StaleOrders(cfg config.StaleOrdersConfig, orders []domain.Order, tickers map[string]domain.Ticker, now time.Time) []domain.Order {
	var stale []domain.Order
	maxAge := time.Duration(cfg.MaxAgeSec) * time.Second

	for _, order := range orders {
		if cfg.MaxAgeSec > 0 && now.Sub(order.CreatedAt) > maxAge {
			stale = append(stale, order)
			continue
		}
		if cfg.RepriceIfFarBPS <= 0 {
			continue
		}
		ref := ReferencePrice(tickers[order.Symbol])
		if ref <= 0 || order.Price <= 0 {
			continue
		}
		driftBPS := math.Abs(order.Price-ref) / ref * 10000
		if driftBPS > cfg.RepriceIfFarBPS {
			stale = append(stale, order)
		}
	}
	return stale
}
