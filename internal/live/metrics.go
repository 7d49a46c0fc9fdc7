package live

import "github.com/prometheus/client_golang/prometheus"

var (
	liveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "view_live_subscribers",
		Help: "Current number of live view-count subscriptions.",
	})

	liveDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "view_live_deliveries_total",
		Help: "Total number of live updates delivered to subscribers.",
	})

	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "view_live_connections",
		Help: "Current number of open live WebSocket connections.",
	})
)

func init() {
	prometheus.MustRegister(liveSubscribers, liveDeliveries, liveConnections)
}
