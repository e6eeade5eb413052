package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unbond_reserve_build_info",
			Help: "Build information of the unbond reserve",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unbond_reserve_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unbond_reserve_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unbond_reserve_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	DepositsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unbond_reserve_deposits_total",
			Help: "Total number of deposits into the pool",
		},
	)

	WithdrawalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unbond_reserve_withdrawals_total",
			Help: "Total number of withdrawals from the pool",
		},
	)

	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unbond_reserve_deployments_total",
			Help: "Total number of reserve deployment requests",
		},
		[]string{"status"}, // "granted", "denied"
	)

	ReturnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unbond_reserve_returns_total",
			Help: "Total number of reserve deployments settled",
		},
	)

	PoolAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unbond_reserve_pool_available",
			Help: "Undeployed pool capital, in vault receipt tokens",
		},
	)

	PoolDeployed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unbond_reserve_pool_deployed",
			Help: "Pool capital currently deployed to controllers, in quote tokens",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
