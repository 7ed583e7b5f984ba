// Package metrics provides Prometheus instrumentation for the messenger
// server. It exposes gauges for connection and presence counts, counters for
// delivery throughput, and histograms for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PresenceDevices tracks the current number of registered online devices.
	PresenceDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_presence_devices",
		Help: "Current number of devices registered in the presence store",
	})

	// DispatchesTotal counts delivery dispatches, labeled by transport:
	// "socket", "fcm", "apns", or "unreachable".
	DispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_dispatches_total",
		Help: "Total number of delivery dispatches by transport",
	}, []string{"transport"})

	// DispatchLatency records end-to-end dispatch latency in seconds.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_dispatch_latency_seconds",
		Help:    "Delivery dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MailboxEvictions counts in-flight tasks evicted from full mailboxes.
	MailboxEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_mailbox_evictions_total",
		Help: "Total number of tasks evicted from full mailbox queues",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PresenceDevices,
		DispatchesTotal,
		DispatchLatency,
		MailboxEvictions,
	)
}

// RegisterActiveCallSessions exposes the open call session count as a gauge
// read from the given function at scrape time. Sessions expire inside Redis,
// so in-process increment/decrement accounting would drift; sampling the
// store keeps the gauge honest.
func RegisterActiveCallSessions(count func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "messenger_call_sessions_active",
		Help: "Current number of open call sessions",
	}, count))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
