// Package metrics provides Prometheus instrumentation for the SockJS
// server: a gauge for pooled sessions, counters for requests and message
// throughput, and a histogram for poll latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the current number of sessions in the pool.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sockjs_sessions_active",
		Help: "Current number of sessions in the pool",
	})

	// TransportRequests counts sessioned requests, labeled by transport
	// name (xhr, xhr_send, websocket, ...).
	TransportRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sockjs_transport_requests_total",
		Help: "Total number of sessioned requests per transport",
	}, []string{"transport"})

	// MessagesTotal counts messages flowing through sessions, labeled by
	// direction: "in" (client to application) or "out" (application to
	// client).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sockjs_messages_total",
		Help: "Total number of messages processed",
	}, []string{"direction"})

	// PollDuration records how long polling requests held their reader
	// before answering.
	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sockjs_poll_duration_seconds",
		Help:    "Time a polling request waited before responding",
		Buckets: []float64{.005, .05, .25, .5, 1, 2, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		TransportRequests,
		MessagesTotal,
		PollDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
