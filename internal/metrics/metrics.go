// Package metrics provides Prometheus instrumentation for the modbot
// moderation assistant. It exposes counters for message and classification
// throughput, a histogram for classifier latency, and gauges for the gateway
// connection and context store size.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts messages flowing through the pipeline, labeled
	// by type: "observed" or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbot_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// ClassificationsTotal counts classification round-trips, labeled by
	// result: "violation", "clean", "error", or "throttled".
	ClassificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbot_classifications_total",
		Help: "Total number of classification requests by result",
	}, []string{"result"})

	// ClassificationLatency records the duration of classifier calls.
	ClassificationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "modbot_classification_latency_seconds",
		Help:    "Classification round-trip latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// ContextRecords tracks the current number of records held by the
	// context store.
	ContextRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbot_context_records",
		Help: "Current number of records in the context store",
	})

	// GatewayConnected is 1 while the gateway connection is established.
	GatewayConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbot_gateway_connected",
		Help: "Whether the platform gateway connection is up",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		ClassificationsTotal,
		ClassificationLatency,
		ContextRecords,
		GatewayConnected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
