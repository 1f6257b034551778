// Package metrics holds scriptd's Prometheus collectors. Every recorder is
// nil-safe so tests can construct components without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scriptd"

// Metrics is the set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands         *prometheus.CounterVec
	autoUpdateCycles *prometheus.CounterVec
	badgeEntries     prometheus.Gauge
	broadcasts       prometheus.Counter
	connections      *prometheus.GaugeVec
	proxiedRequests  *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound command messages by command name and outcome.",
		}, []string{"cmd", "outcome"}),
		autoUpdateCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoupdate_cycles_total",
			Help:      "Auto-update triggers by result (skipped, busy, completed, failed).",
		}, []string{"result"}),
		badgeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "badge_entries",
			Help:      "Live per-source badge counters.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to every open tab.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections by kind (tab, page, shell).",
		}, []string{"kind"}),
		proxiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_requests_total",
			Help:      "Outbound requests made for scripts, by final event type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.commands,
		m.autoUpdateCycles,
		m.badgeEntries,
		m.broadcasts,
		m.connections,
		m.proxiedRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CommandHandled(cmd, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmd, outcome).Inc()
}

func (m *Metrics) AutoUpdate(result string) {
	if m == nil {
		return
	}
	m.autoUpdateCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBadgeEntries(n int) {
	if m == nil {
		return
	}
	m.badgeEntries.Set(float64(n))
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) ConnectionOpened(kind string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConnectionClosed(kind string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(kind).Dec()
}

func (m *Metrics) ProxiedRequest(eventType string) {
	if m == nil {
		return
	}
	m.proxiedRequests.WithLabelValues(eventType).Inc()
}
