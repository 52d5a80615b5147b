// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used across the gateway.
type Registry struct {
	// Router side.
	RouterState        prometheus.Gauge
	RouterReconnects   prometheus.Counter
	PacketsReceived    *prometheus.CounterVec
	PacketsSent        *prometheus.CounterVec
	PacketErrors       *prometheus.CounterVec
	FrameBytesReceived prometheus.Counter
	FrameBytesSent     prometheus.Counter
	UTF8Replacements   prometheus.Counter

	// Client side.
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	AuthFailures    prometheus.Counter
	RPCRequests     *prometheus.CounterVec
	RPCErrors       *prometheus.CounterVec
	RateLimited     prometheus.Counter
	EventsDelivered *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	QueueDropped    *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors on the default
// registerer.
func NewRegistry() *Registry {
	return &Registry{
		RouterState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "i3_router_state",
			Help: "Router connection state (0 disconnected, 1 connecting, 2 connected, 3 ready)",
		}),
		RouterReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_router_reconnects_total",
			Help: "Total router reconnect attempts",
		}),
		PacketsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_packets_received_total",
			Help: "Packets received from the router, by kind",
		}, []string{"kind"}),
		PacketsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_packets_sent_total",
			Help: "Packets sent to the router, by kind",
		}, []string{"kind"}),
		PacketErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_packet_errors_total",
			Help: "Packets rejected or failed, by reason",
		}, []string{"reason"}),
		FrameBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_frame_bytes_received_total",
			Help: "Raw frame bytes read from the router connection",
		}),
		FrameBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_frame_bytes_sent_total",
			Help: "Raw frame bytes written to the router connection",
		}),
		UTF8Replacements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_utf8_replacements_total",
			Help: "Invalid UTF-8 sequences replaced during decode",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "i3_sessions_active",
			Help: "Currently connected client sessions",
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_sessions_total",
			Help: "Total client sessions accepted",
		}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_auth_failures_total",
			Help: "Rejected authentication attempts",
		}),
		RPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_rpc_requests_total",
			Help: "JSON-RPC requests handled, by method",
		}, []string{"method"}),
		RPCErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_rpc_errors_total",
			Help: "JSON-RPC error responses, by code",
		}, []string{"code"}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "i3_rate_limited_total",
			Help: "Requests rejected by rate limiting",
		}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_events_delivered_total",
			Help: "Events delivered to client sessions, by type",
		}, []string{"type"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "i3_queue_depth",
			Help: "Messages buffered across all session queues",
		}),
		QueueDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "i3_queue_dropped_total",
			Help: "Queued messages dropped, by reason",
		}, []string{"reason"}),
	}
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
