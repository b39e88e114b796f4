// Package metrics exposes the daemon's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "retrovue"

// Launch failure reasons.
const (
	ReasonSchedule = "schedule"
	ReasonNoItem   = "no_active_item"
	ReasonLaunch   = "launch"
)

// Metrics holds Prometheus counters and gauges for the channel daemon.
type Metrics struct {
	registry *prometheus.Registry

	channelClients  *prometheus.GaugeVec
	sourcesActive   prometheus.Gauge
	launchesTotal   *prometheus.CounterVec
	launchFailures  *prometheus.CounterVec
	respawnsTotal   *prometheus.CounterVec
	relayBytesTotal *prometheus.CounterVec
	horizonWarnings *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		channelClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_clients",
			Help:      "Number of clients attached to a channel",
		}, []string{"channel"}),
		sourcesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_sources_active",
			Help:      "Number of channels with a live source",
		}),
		launchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_launches_total",
			Help:      "Total number of sources launched",
		}, []string{"channel", "kind"}),
		launchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_launch_failures_total",
			Help:      "Total number of attach attempts that could not put a source on air",
		}, []string{"channel", "reason"}),
		respawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_respawns_total",
			Help:      "Total number of encoder respawns after an unexpected exit",
		}, []string{"channel"}),
		relayBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total bytes read from channel sources",
		}, []string{"channel"}),
		horizonWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_horizon_warnings_total",
			Help:      "Total number of horizon checks that found too little upcoming content",
		}, []string{"channel"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by status code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.channelClients,
		m.sourcesActive,
		m.launchesTotal,
		m.launchFailures,
		m.respawnsTotal,
		m.relayBytesTotal,
		m.horizonWarnings,
		m.requestsTotal,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetChannelClients sets the attached client gauge for a channel.
func (m *Metrics) SetChannelClients(channel string, n int) {
	if m == nil {
		return
	}
	m.channelClients.WithLabelValues(channel).Set(float64(n))
}

// SourceStarted records a launch and bumps the active source gauge.
func (m *Metrics) SourceStarted(channel, kind string) {
	if m == nil {
		return
	}
	m.launchesTotal.WithLabelValues(channel, kind).Inc()
	m.sourcesActive.Inc()
}

// SourceStopped lowers the active source gauge.
func (m *Metrics) SourceStopped() {
	if m == nil {
		return
	}
	m.sourcesActive.Dec()
}

// IncLaunchFailures counts a failed attach.
func (m *Metrics) IncLaunchFailures(channel, reason string) {
	if m == nil {
		return
	}
	m.launchFailures.WithLabelValues(channel, reason).Inc()
}

// IncRespawns counts an encoder respawn.
func (m *Metrics) IncRespawns(channel string) {
	if m == nil {
		return
	}
	m.respawnsTotal.WithLabelValues(channel).Inc()
}

// AddRelayBytes counts bytes read from a channel's source.
func (m *Metrics) AddRelayBytes(channel string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytesTotal.WithLabelValues(channel).Add(float64(n))
}

// IncHorizonWarnings counts a horizon warning.
func (m *Metrics) IncHorizonWarnings(channel string) {
	if m == nil {
		return
	}
	m.horizonWarnings.WithLabelValues(channel).Inc()
}

// IncRequests counts a served HTTP request.
func (m *Metrics) IncRequests(status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
