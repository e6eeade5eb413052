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
			Name: "unbond_controller_build_info",
			Help: "Build information of the unbond controller",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unbond_controller_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unbond_controller_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unbond_controller_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UnstakesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unbond_controller_unstakes_total",
			Help: "Total number of accepted unstakes",
		},
	)

	UnstakeBaseVolume = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unbond_controller_unstake_base_volume",
			Help: "Total staked tokens accepted for unbonding",
		},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unbond_controller_settlements_total",
			Help: "Total number of settlement attempts",
		},
		[]string{"status"}, // "settled", "insolvent", "error"
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

// RecordUnstake records an accepted unstake.
func RecordUnstake(amount uint64) {
	UnstakesTotal.Inc()
	UnstakeBaseVolume.Add(float64(amount))
}

// RecordSettlement records the outcome of a settlement attempt.
func RecordSettlement(status string) {
	SettlementsTotal.WithLabelValues(status).Inc()
}
