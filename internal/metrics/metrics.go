// Package metrics owns the process's Prometheus collectors. Construct one
// Registry at startup and hand it to the services that report into it;
// passing a nil Registerer yields working but unregistered collectors,
// which is what tests want.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crosswind"

// Registry bundles every collector the daemon exports.
type Registry struct {
	CycleDuration prometheus.Histogram
	CycleErrors   prometheus.Counter
	OrdersPlaced  *prometheus.CounterVec // label: kind (entry|reduce)
	OrdersFailed  prometheus.Counter
	Fills         *prometheus.CounterVec // label: kind (opened|increased|reduced|closed|flipped)
	Exits         *prometheus.CounterVec // label: reason
	APIFailures   *prometheus.CounterVec // label: category
	Equity        prometheus.Gauge
	Drawdown      prometheus.Gauge
	OpenPositions prometheus.Gauge
	BreakerOpen   prometheus.Gauge
	NotifyDropped prometheus.Counter
}

// New builds the collector set, registered against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one full rebalance cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Cycles aborted by an error before order placement.",
		}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the exchange.",
		}, []string{"kind"}),
		OrdersFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_failed_total",
			Help:      "Order placements rejected or errored.",
		}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Position deltas observed against the exchange.",
		}, []string{"kind"}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Exit orders placed by the fast monitor, by rule.",
		}, []string{"reason"}),
		APIFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_failures_total",
			Help:      "Exchange API failures recorded by the circuit breaker.",
		}, []string{"category"}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity_usd",
			Help:      "Account equity from the last margin snapshot.",
		}),
		Drawdown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_fraction",
			Help:      "Drawdown from the rolling equity peak, 0 to 1.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently tracked in the state document.",
		}),
		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_breaker_open",
			Help:      "1 while the API circuit breaker blocks entries.",
		}),
		NotifyDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the queue was full.",
		}),
	}
}
