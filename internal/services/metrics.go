package services

import "github.com/prometheus/client_golang/prometheus"

// Increment outcomes.
const (
	outcomeAccepted = "accepted"
	outcomeCooldown = "cooldown"
	outcomeDisabled = "tracking_disabled"
	outcomeReplayed = "replayed"
	outcomeError    = "error"
)

var (
	viewIncrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "view_increments_total",
			Help: "Increment requests by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "view_cache_lookups_total",
			Help: "Read-through cache lookups by result (hit/miss).",
		},
		[]string{"result"},
	)

	// storeErrors is labelled by operation: get, get_many, increment, seed.
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "view_store_errors_total",
			Help: "Durable store failures by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(viewIncrements, cacheLookups, storeErrors)
}
