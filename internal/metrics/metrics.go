// Package metrics provides Prometheus instrumentation for the ledger
// and scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsCreated counts booked position writes.
	PositionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantfolio_positions_created_total",
		Help: "Total number of positions written to ledgers",
	})

	// OrdersCreated counts orders entering the lifecycle.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantfolio_orders_created_total",
		Help: "Total number of orders created",
	})

	// OrdersBooked counts orders converted into positions.
	OrdersBooked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantfolio_orders_booked_total",
		Help: "Total number of orders booked",
	})

	// OrdersDeferred counts sub-strategy bookings deferred because the
	// child subtree still had non-executed orders.
	OrdersDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantfolio_orders_deferred_total",
		Help: "Sub-strategy bookings deferred to the next cycle",
	})

	// ActionsApplied counts corporate actions applied to positions.
	ActionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantfolio_corporate_actions_applied_total",
		Help: "Total number of corporate actions applied",
	})

	// CycleDuration observes full tree-cycle latency per phase.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantfolio_cycle_duration_seconds",
		Help:    "Daily cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// ActiveStrategies tracks the number of live strategy nodes.
	ActiveStrategies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantfolio_active_strategies",
		Help: "Number of currently active strategy nodes",
	})
)

// Handler returns the HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
