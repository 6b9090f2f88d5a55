// Package metrics exposes the Prometheus collectors of the ledger service.
// Every method is nil-safe so components can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Transactions  *prometheus.CounterVec
	CacheEvents   *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New creates collectors on a private registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transactions by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		CacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_events_total",
				Help:      "Cache hits, misses, stale serves, stores and errors by query kind",
			},
			[]string{"kind", "event"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_fetches_total",
				Help:      "External balance lookups by outcome",
			},
			[]string{"outcome"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_created_total",
				Help:      "Low balance notifications by severity",
			},
			[]string{"severity"},
		),
	}
	m.registry.MustRegister(m.Transactions, m.CacheEvents, m.Fetches, m.Notifications)
	return m
}

func (m *Metrics) IncTransaction(txType, outcome string) {
	if m == nil || m.Transactions == nil {
		return
	}
	m.Transactions.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) IncCache(kind, event string) {
	if m == nil || m.CacheEvents == nil {
		return
	}
	m.CacheEvents.WithLabelValues(kind, event).Inc()
}

func (m *Metrics) IncFetch(outcome string) {
	if m == nil || m.Fetches == nil {
		return
	}
	m.Fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncNotification(severity string) {
	if m == nil || m.Notifications == nil {
		return
	}
	m.Notifications.WithLabelValues(severity).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
