// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "polaris_gateway_session_state",
			Help: "Platform session state (0=disconnected, 1=connecting, 2=open)",
		},
	)

	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polaris_gateway_reconnects_total",
			Help: "Total number of platform reconnect attempts",
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "polaris_gateway_pending_requests",
			Help: "Requests waiting for a platform reply",
		},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polaris_gateway_frames_total",
			Help: "Total number of WebSocket frames exchanged with the platform",
		},
		[]string{"direction", "kind"},
	)

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polaris_gateway_http_requests_total",
			Help: "Total number of gateway HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polaris_gateway_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionState,
			reconnectsTotal,
			pendingRequests,
			framesTotal,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionState records the numeric session state.
func SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// IncReconnects counts one reconnect attempt.
func IncReconnects() {
	reconnectsTotal.Inc()
}

// SetPendingRequests records the ledger depth.
func SetPendingRequests(n int) {
	pendingRequests.Set(float64(n))
}

// RecordFrame counts a frame; direction is "in" or "out".
func RecordFrame(direction, kind string) {
	framesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
