// Package metrics provides Prometheus metrics for the sync server.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	opsUploaded      *prometheus.CounterVec
	opsDownloaded    prometheus.Counter
	clockEntries     *prometheus.CounterVec
	tokenRefreshes   prometheus.Counter
	tokenReplaces    prometheus.Counter
	idempotentHits   prometheus.Counter
	healthStatus     prometheus.Gauge
}

var (
	globalMetrics *Metrics
	once          sync.Once
)

// NewMetrics creates and registers Prometheus metrics. Registration happens
// once per process; later calls return the same collectors.
func NewMetrics() *Metrics {
	once.Do(func() {
		globalMetrics = &Metrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "opsync_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "route", "status"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "opsync_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				},
				[]string{"method", "route"},
			),
			requestsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "opsync_http_requests_in_flight",
					Help: "Number of HTTP requests currently being processed",
				},
			),
			opsUploaded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "opsync_ops_uploaded_total",
					Help: "Uploaded operations by outcome",
				},
				[]string{"status"},
			),
			opsDownloaded: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "opsync_ops_downloaded_total",
					Help: "Operations served to downloading clients",
				},
			),
			clockEntries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "opsync_vector_clock_rejections_total",
					Help: "Vector clock entries stripped or whole clocks rejected at the boundary",
				},
				[]string{"kind"},
			),
			tokenRefreshes: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "opsync_token_refreshes_total",
					Help: "Tokens rolled on successful sync responses",
				},
			),
			tokenReplaces: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "opsync_token_replacements_total",
					Help: "Explicit token replacements",
				},
			),
			idempotentHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "opsync_idempotent_replays_total",
					Help: "Uploads answered from the idempotency store",
				},
			),
			healthStatus: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "opsync_health_status",
					Help: "Readiness of the sync server (1 = ready, 0 = not ready)",
				},
			),
		}
	})
	return globalMetrics
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records per-op upload outcomes.
func (m *Metrics) RecordUpload(accepted, duplicate int) {
	m.opsUploaded.WithLabelValues("accepted").Add(float64(accepted))
	m.opsUploaded.WithLabelValues("duplicate").Add(float64(duplicate))
}

// RecordDownload records served operations.
func (m *Metrics) RecordDownload(count int) {
	m.opsDownloaded.Add(float64(count))
}

// RecordClockStripped records clock entries stripped by sanitization.
func (m *Metrics) RecordClockStripped(entries int) {
	if entries > 0 {
		m.clockEntries.WithLabelValues("stripped").Add(float64(entries))
	}
}

// RecordClockRejected records a request rejected for its clock.
func (m *Metrics) RecordClockRejected() {
	m.clockEntries.WithLabelValues("rejected").Inc()
}

// RecordTokenRefresh counts a rolled token.
func (m *Metrics) RecordTokenRefresh() { m.tokenRefreshes.Inc() }

// RecordTokenReplace counts an explicit replacement.
func (m *Metrics) RecordTokenReplace() { m.tokenReplaces.Inc() }

// RecordIdempotentReplay counts an upload served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() { m.idempotentHits.Inc() }

// SetHealthStatus sets the health status.
func (m *Metrics) SetHealthStatus(healthy bool) {
	if healthy {
		m.healthStatus.Set(1)
	} else {
		m.healthStatus.Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(port int, path string, logger *zap.Logger) *MetricsServer {
	router := http.NewServeMux()
	router.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// Middleware records request count, latency and in-flight requests. The
// route label is the mux path template so IDs never reach label values.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.requestsInFlight.Inc()
			defer m.requestsInFlight.Dec()

			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, routeLabel(r), rw.statusCode, time.Since(start))
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
