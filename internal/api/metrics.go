package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagvault_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tagvault_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagvault_verifications_total",
		Help: "Server-side verification outcomes.",
	}, []string{"outcome"})

	tagsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tagvault_tags_total",
		Help: "Number of registered secret tags.",
	})

	blobsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tagvault_vault_blobs_total",
		Help: "Number of stored vault objects.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, verificationsTotal, tagsTotal, blobsTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
