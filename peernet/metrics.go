package peernet

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// ConnectionsInbound is the total number of accepted peer connections.
	ConnectionsInbound prometheus.Counter

	// ConnectionsOutbound is the total number of dialled peer connections.
	ConnectionsOutbound prometheus.Counter

	// HandshakeFailures is the total number of connections rejected during
	// the identity handshake.
	HandshakeFailures prometheus.Counter

	// ConnectedPeers is the number of currently connected peers.
	ConnectedPeers prometheus.Gauge

	// RPCInbound is the total number of handled RPC requests, labelled by
	// RPC type.
	RPCInbound *prometheus.CounterVec

	// RPCOutbound is the total number of sent RPC requests, labelled by
	// RPC type.
	RPCOutbound *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "peernet",
				Name:      "connections_inbound_total",
				Help:      "Total number of accepted peer connections",
			},
		),
		ConnectionsOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "peernet",
				Name:      "connections_outbound_total",
				Help:      "Total number of dialled peer connections",
			},
		),
		HandshakeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "peernet",
				Name:      "handshake_failures_total",
				Help:      "Total number of connections rejected during the handshake",
			},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "valmesh",
				Subsystem: "peernet",
				Name:      "connected_peers",
				Help:      "Number of currently connected peers",
			},
		),
		RPCInbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "peernet",
				Name:      "rpc_inbound_total",
				Help:      "Total number of handled RPC requests",
			},
			[]string{"rpc_type"},
		),
		RPCOutbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "peernet",
				Name:      "rpc_outbound_total",
				Help:      "Total number of sent RPC requests",
			},
			[]string{"rpc_type"},
		),
	}
}

func rpcLabels(t RPCType) prometheus.Labels {
	return prometheus.Labels{"rpc_type": t.String()}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ConnectionsInbound,
		m.ConnectionsOutbound,
		m.HandshakeFailures,
		m.ConnectedPeers,
		m.RPCInbound,
		m.RPCOutbound,
	)
}
