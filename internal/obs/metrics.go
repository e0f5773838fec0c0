package obs

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client-side operational metrics.
var (
	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_reconcile_total",
			Help: "Session reconciliation results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_cache_loads_total",
			Help: "Ticket cache restores by source (key, fallback, none).",
		},
		[]string{"source"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_refresh_total",
			Help: "Ticket list refresh attempts by result.",
		},
		[]string{"result"},
	)

	rollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ticket_rollbacks_total",
		Help: "Optimistic removals rolled back after a failed remote delete.",
	})

	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Backend requests issued by the client.",
		},
		[]string{"op", "status"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(reconcileTotal, cacheLoadsTotal, refreshTotal, rollbacksTotal, apiRequestsTotal)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ReconcileResult records the terminal state of one reconciliation pass.
func ReconcileResult(outcome string) { reconcileTotal.WithLabelValues(outcome).Inc() }

// CacheLoad records where a cache restore found its data.
func CacheLoad(source string) { cacheLoadsTotal.WithLabelValues(source).Inc() }

// RefreshResult records the result of one ticket list refresh.
func RefreshResult(result string) { refreshTotal.WithLabelValues(result).Inc() }

// Rollback records one optimistic-removal rollback.
func Rollback() { rollbacksTotal.Inc() }

// APIRequest records one backend call and its HTTP status (0 for transport errors).
func APIRequest(op string, status int) {
	apiRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
}
