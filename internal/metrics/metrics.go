// Package metrics exposes the daemon's Prometheus metrics. Hub counters are
// collected on scrape from the hub's own atomic stats rather than mirrored
// into separate instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specdeck/specdeck/pkg/hub"
)

// HubCollector adapts hub.Stats to the prometheus.Collector interface.
type HubCollector struct {
	h *hub.Hub

	connections *prometheus.Desc
	broadcast   *prometheus.Desc
	delivered   *prometheus.Desc
	dropped     *prometheus.Desc
	evictions   *prometheus.Desc
}

// NewHubCollector creates a collector reading from h on every scrape.
func NewHubCollector(h *hub.Hub) *HubCollector {
	return &HubCollector{
		h: h,
		connections: prometheus.NewDesc(
			"specdeck_realtime_connections",
			"Currently registered websocket connections.",
			nil, nil,
		),
		broadcast: prometheus.NewDesc(
			"specdeck_realtime_events_broadcast_total",
			"Broadcast operations performed.",
			nil, nil,
		),
		delivered: prometheus.NewDesc(
			"specdeck_realtime_events_delivered_total",
			"Events enqueued to subscriber connections.",
			nil, nil,
		),
		dropped: prometheus.NewDesc(
			"specdeck_realtime_events_dropped_total",
			"Events dropped because a subscriber queue was full.",
			nil, nil,
		),
		evictions: prometheus.NewDesc(
			"specdeck_realtime_evictions_total",
			"Connections evicted by the heartbeat.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *HubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.broadcast
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.evictions
}

// Collect implements prometheus.Collector.
func (c *HubCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.h.Stats()
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Connections))
	ch <- prometheus.MustNewConstMetric(c.broadcast, prometheus.CounterValue, float64(stats.EventsBroadcast))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(stats.EventsDelivered))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(stats.EventsDropped))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
}

// Registry bundles the daemon's collectors behind one scrape handler.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry exposing hub, Go runtime and process
// metrics.
func NewRegistry(h *hub.Hub) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewHubCollector(h))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Registry{registry: reg}
}

// MustRegister adds further collectors, panicking on conflicts.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Handler returns the scrape endpoint handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying gatherer, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
