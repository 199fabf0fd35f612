// Package metrics exposes the engine's Prometheus collectors: counts of
// accepted orders and executed trades, and a histogram of per-order
// matching latency. It implements engine.Recorder so the matching engine
// never imports Prometheus directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/coriolisfi/matchcore/internal/common"
)

// Collector registers and updates the engine's Prometheus series.
type Collector struct {
	ordersAccepted *prometheus.CounterVec
	tradesExecuted *prometheus.CounterVec
	tradedVolume   *prometheus.CounterVec
	matchDuration  *prometheus.HistogramVec
}

// NewCollector creates and registers a Collector against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests free of global state.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Name:      "orders_accepted_total",
			Help:      "Orders accepted into the matching engine, by symbol, side, and kind.",
		}, []string{"symbol", "side", "kind"}),
		tradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Name:      "trades_executed_total",
			Help:      "Trades executed by the matching engine, by symbol.",
		}, []string{"symbol"}),
		tradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Name:      "traded_notional_total",
			Help:      "Cumulative price*quantity traded, by symbol.",
		}, []string{"symbol"}),
		matchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matchcore",
			Name:      "match_duration_seconds",
			Help:      "Time spent inside the matching loop for one incoming order.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"symbol"}),
	}
	reg.MustRegister(c.ordersAccepted, c.tradesExecuted, c.tradedVolume, c.matchDuration)
	return c
}

func (c *Collector) OrderAccepted(symbol common.Symbol, side common.Side, kind common.Kind) {
	c.ordersAccepted.WithLabelValues(string(symbol), side.String(), kind.String()).Inc()
}

func (c *Collector) TradeExecuted(symbol common.Symbol, quantity, price decimal.Decimal) {
	c.tradesExecuted.WithLabelValues(string(symbol)).Inc()
	notional, _ := price.Mul(quantity).Float64()
	c.tradedVolume.WithLabelValues(string(symbol)).Add(notional)
}

func (c *Collector) MatchDuration(symbol common.Symbol, d time.Duration) {
	c.matchDuration.WithLabelValues(string(symbol)).Observe(d.Seconds())
}
