package discovery

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Ticks is the total number of discovery ticks.
	Ticks prometheus.Counter

	// Dials is the total number of dial attempts.
	Dials prometheus.Counter

	// DialFailures is the total number of dial attempts that failed on
	// every advertised address.
	DialFailures prometheus.Counter

	// Queries is the total number of peer table queries sent.
	Queries prometheus.Counter

	// QueryFailures is the total number of peer table queries that failed
	// or returned an invalid response.
	QueryFailures prometheus.Counter

	// KnownPeers is the number of peers in the directory.
	KnownPeers prometheus.Gauge

	// TrustedPeers is the number of peers in the current trusted set.
	TrustedPeers prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		Ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "ticks_total",
				Help:      "Total number of discovery ticks",
			},
		),
		Dials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "dials_total",
				Help:      "Total number of dial attempts",
			},
		),
		DialFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "dial_failures_total",
				Help:      "Total number of failed dial attempts",
			},
		),
		Queries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "queries_total",
				Help:      "Total number of peer table queries",
			},
		),
		QueryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "query_failures_total",
				Help:      "Total number of failed peer table queries",
			},
		),
		KnownPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "known_peers",
				Help:      "Number of peers in the directory",
			},
		),
		TrustedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "valmesh",
				Subsystem: "discovery",
				Name:      "trusted_peers",
				Help:      "Number of peers in the current trusted set",
			},
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Ticks,
		m.Dials,
		m.DialFailures,
		m.Queries,
		m.QueryFailures,
		m.KnownPeers,
		m.TrustedPeers,
	)
}
