package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the proxy served during one session. The
// registry is exposed on /metrics for debugging slow or misbehaving
// resolutions.
type Metrics struct {
	registry *prometheus.Registry

	listings  *prometheus.CounterVec
	archives  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	overrides prometheus.Counter
	notFound  prometheus.Counter
}

// NewMetrics builds the proxy metrics collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		listings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "picopip",
				Subsystem: "proxy",
				Name:      "listings_total",
				Help:      "Listing pages served, by resolving index",
			},
			[]string{"index"},
		),
		archives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "picopip",
				Subsystem: "proxy",
				Name:      "archives_total",
				Help:      "Archives served, by kind (wheel, sdist, dummy, rewritten)",
			},
			[]string{"kind"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "picopip",
				Subsystem: "proxy",
				Name:      "upstream_fallbacks_total",
				Help:      "Lookups that fell through an unreachable index",
			},
			[]string{"index"},
		),
		overrides: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "picopip",
				Subsystem: "proxy",
				Name:      "override_hits_total",
				Help:      "Lookups answered from the override table",
			},
		),
		notFound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "picopip",
				Subsystem: "proxy",
				Name:      "not_found_total",
				Help:      "Lookups no index could answer",
			},
		),
	}
	registry.MustRegister(m.listings, m.archives, m.fallbacks, m.overrides, m.notFound)
	return m
}
