// Package metrics exposes the relay's Prometheus instrumentation: one
// registry-backed set of collectors covering link churn, packet traffic by
// opcode, reconnect activity, and keep-alive round-trip latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smbsocks_relay"

var (
	// ActiveLinks tracks the number of live SOCKS<->pipe links currently
	// bridged.
	ActiveLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_links",
		Help:      "Number of bridge links currently open.",
	})

	// PacketsTotal counts packets sent/received by opcode and direction.
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_total",
		Help:      "Packets processed by the pipe transport, by opcode and direction.",
	}, []string{"opcode", "direction"})

	// ReconnectsTotal counts successful pipe-transport reconnects after a
	// disconnect; the first connection is not counted.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Number of times the pipe transport reconnected after a disconnect.",
	})

	// KeepAliveRTT observes PING/STATUS round-trip latency.
	KeepAliveRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "keepalive_rtt_seconds",
		Help:      "Round-trip time between a PING and its matching STATUS reply.",
		Buckets:   prometheus.DefBuckets,
	})

	// KeepAliveTimeouts counts PINGs that were evicted from the outstanding
	// table without a matching STATUS reply.
	KeepAliveTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_timeouts_total",
		Help:      "Number of outstanding keep-alive pings evicted without a reply.",
	})

	// TCPConnectionsTotal counts accepted client connections per bound
	// listener.
	TCPConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tcp_connections_total",
		Help:      "TCP connections accepted, by listener bind spec.",
	}, []string{"listener"})
)

// Registry is the relay's private Prometheus registry. Callers that want to
// expose the default process/Go collectors too should register this
// registry's collectors onto prometheus.DefaultRegisterer instead, or wrap
// Registry in a promhttp.HandlerFor call directly.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ActiveLinks,
		PacketsTotal,
		ReconnectsTotal,
		KeepAliveRTT,
		KeepAliveTimeouts,
		TCPConnectionsTotal,
	)
}
