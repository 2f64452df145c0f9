// Package metrics defines the Prometheus metrics surface (C3) and exposes it
// over HTTP for scraping, in the style of ws/metrics.go: a package-level var
// block registered once via prometheus.MustRegister.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections is the required gauge app_active_connections.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_active_connections",
		Help: "Currently open WebSocket connections.",
	})

	// ConnectionsOpenedTotal is the required counter app_connections_opened_total.
	ConnectionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_connections_opened_total",
		Help: "Lifetime accepted WebSocket upgrades.",
	})

	// ConnectionsClosedTotal is the required counter app_connections_closed_total.
	ConnectionsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_connections_closed_total",
		Help: "Lifetime closed WebSocket connections.",
	})

	// SessionsTracked is the required gauge app_sessions_tracked.
	SessionsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_sessions_tracked",
		Help: "Size of the session registry.",
	})

	// MessagesTotal is the required counter app_messages_total.
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_messages_total",
		Help: "Frames received from clients.",
	})

	// MessagesSent is the required counter app_messages_sent.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_messages_sent",
		Help: "Frames delivered to clients (echoes, heartbeats, broadcasts, byes).",
	})

	// ErrorsTotal is the required counter app_errors_total.
	ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_errors_total",
		Help: "Internal handled errors.",
	})

	// ShutdownDurationSeconds is the required histogram app_shutdown_duration_seconds.
	ShutdownDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "app_shutdown_duration_seconds",
		Help:    "Observed wall-clock time of the shutdown sequence.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 8, 10, 12, 15},
	})

	// The following are supplemental, not required by spec.md §4.3, and are
	// additive metrics per SPEC_FULL.md §7 — they never substitute for the
	// required names above.

	NATSConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_nats_connected",
		Help: "Whether the NATS channel connection is currently up (1) or down (0).",
	})

	NATSReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_nats_reconnects_total",
		Help: "Lifetime NATS reconnect events.",
	})

	KVPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_kv_pool_in_use",
		Help: "Redis connection pool connections currently in use.",
	})

	KVPoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "app_kv_pool_idle",
		Help: "Redis connection pool idle connections.",
	})

	BroadcastDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "app_broadcast_drops_total",
		Help: "Broadcast frames dropped due to a full per-connection queue.",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		ConnectionsOpenedTotal,
		ConnectionsClosedTotal,
		SessionsTracked,
		MessagesTotal,
		MessagesSent,
		ErrorsTotal,
		ShutdownDurationSeconds,
		NATSConnected,
		NATSReconnectsTotal,
		KVPoolInUse,
		KVPoolIdle,
		BroadcastDropsTotal,
	)
}

// Handler returns the HTTP handler that exposes the registered metrics in
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
