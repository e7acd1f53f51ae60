package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the HTTP surface. They live in
// their own registry so only daemon metrics appear on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RefreshTriggers     *prometheus.CounterVec
	SnapshotReady       prometheus.GaugeFunc
}

// NewMetrics creates and registers the daemon metrics. ready backs the
// snapshot readiness gauge.
func NewMetrics(ready func() bool) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fliptengine_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fliptengine_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		RefreshTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fliptengine_refresh_triggers_total",
			Help: "Total number of refreshes requested over HTTP.",
		}, []string{"source", "result"}),

		SnapshotReady: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fliptengine_snapshot_ready",
			Help: "Whether a snapshot is loaded (1) or not (0).",
		}, func() float64 {
			if ready() {
				return 1
			}
			return 0
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RefreshTriggers,
		m.SnapshotReady,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by chi route
// pattern, which keeps label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// RecordRefresh counts a refresh requested by source
func (m *Metrics) RecordRefresh(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RefreshTriggers.WithLabelValues(source, result).Inc()
}
