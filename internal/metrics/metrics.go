// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_submitted_total",
		Help: "Orders submitted to the exchange, by result (placed, transport, rejected, unknown)",
	}, []string{"bot_id", "result"})

	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_fills_total",
		Help: "Detected order fills",
	}, []string{"bot_id", "side"})

	AmbiguousFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_ambiguous_fills_total",
		Help: "Orders that left the open set without a confirmed outcome",
	}, []string{"bot_id"})

	ExternalCancels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_external_cancels_total",
		Help: "Orders cancelled outside the bot",
	}, []string{"bot_id"})

	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_tick_errors_total",
		Help: "Failed reconciliation ticks, by error kind",
	}, []string{"bot_id", "kind"})

	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridbot_tick_duration_seconds",
		Help:    "Duration of a reconciliation tick",
		Buckets: prometheus.DefBuckets,
	}, []string{"bot_id"})

	RealizedProfit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_realized_profit",
		Help: "Realized profit in quote currency",
	}, []string{"bot_id"})

	ActiveOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_active_orders",
		Help: "Live orders tracked by a bot",
	}, []string{"bot_id"})

	ActiveBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_active_bots",
		Help: "Bots currently registered in the service",
	})

	LastPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_last_price",
		Help: "Last price observed by the price feed",
	}, []string{"symbol"})

	FeedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_price_feed_errors_total",
		Help: "Failed ticker fetches in the price feed",
	}, []string{"symbol"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Forget drops the per-bot series of a stopped bot.
func Forget(botID string) {
	RealizedProfit.DeleteLabelValues(botID)
	ActiveOrders.DeleteLabelValues(botID)
}
