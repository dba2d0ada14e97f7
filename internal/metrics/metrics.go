// Package metrics provides Prometheus instrumentation for the forecast engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RefreshTotal counts refresh cycles by outcome (ok, failed, skipped).
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ned_refresh_total",
		Help: "Total refresh cycles by outcome",
	}, []string{"outcome"})

	// RefitTotal counts refit attempts by outcome (ok, insufficient, singular, error, skipped).
	RefitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ned_refit_total",
		Help: "Total model refits by outcome",
	}, []string{"outcome"})

	// FetchLatency tracks provider request latency per series.
	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ned_fetch_latency_seconds",
		Help:    "Provider fetch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"series"})

	// FetchErrors counts failed provider fetches by series and class.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ned_fetch_errors_total",
		Help: "Provider fetch failures",
	}, []string{"series", "class"})

	// SeriesLength tracks observation counts of the published series.
	SeriesLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ned_series_observations",
		Help: "Observations in each published series",
	}, []string{"series"})

	// ModelRSquared is the R² of the current regression model.
	ModelRSquared = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ned_model_r_squared",
		Help: "Coefficient of determination of the current price model",
	})

	// ModelDatapoints is the training set size of the current model.
	ModelDatapoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ned_model_datapoints",
		Help: "Training rows used by the current price model",
	})

	// ModelFitTimestamp is the unix time of the last successful fit.
	ModelFitTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ned_model_fit_timestamp_seconds",
		Help: "Unix time of the last successful model fit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ned_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ned_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ned_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label bounded ({key}, {entityID}).
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
