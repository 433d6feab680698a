// Package metrics holds the proxy's Prometheus metric definitions: session
// lifecycle gauges, packet counters, filter rejections, configuration
// applies, and control-plane reconnects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "goquilkin"
	subsystem = "proxy"
)

// Collector holds every Prometheus metric the proxy exports. Zero value is
// not usable; construct with NewCollector.
type Collector struct {
	// Sessions tracks the number of currently active sessions.
	Sessions prometheus.Gauge

	// SessionsCreatedTotal counts every session ever created.
	SessionsCreatedTotal prometheus.Counter

	// SessionsExpiredTotal counts sessions removed by the idle sweeper or
	// by session map shutdown.
	SessionsExpiredTotal prometheus.Counter

	// SessionsReadErrorsTotal counts sessions torn down because their
	// upstream socket reader hit a persistent (non-transient) error.
	SessionsReadErrorsTotal prometheus.Counter

	// PacketsUpTotal counts datagrams forwarded from a client toward an
	// upstream endpoint.
	PacketsUpTotal prometheus.Counter

	// PacketsDownTotal counts datagrams forwarded from an upstream
	// endpoint back to a client.
	PacketsDownTotal prometheus.Counter

	// PacketsDroppedTotal counts datagrams dropped before dispatch,
	// labeled by the reason (no_endpoints, filter_reject).
	PacketsDroppedTotal *prometheus.CounterVec

	// ConfigAppliesTotal counts successful Config.Apply calls.
	ConfigAppliesTotal prometheus.Counter

	// ControlPlaneReconnectsTotal counts discovery-stream reconnect
	// attempts.
	ControlPlaneReconnectsTotal prometheus.Counter
}

// Drop reasons for PacketsDroppedTotal's "reason" label.
const (
	DropReasonNoEndpoints  = "no_endpoints"
	DropReasonFilterReject = "filter_reject"
)

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.SessionsCreatedTotal,
		c.SessionsExpiredTotal,
		c.SessionsReadErrorsTotal,
		c.PacketsUpTotal,
		c.PacketsDownTotal,
		c.PacketsDroppedTotal,
		c.ConfigAppliesTotal,
		c.ControlPlaneReconnectsTotal,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active (client, upstream) sessions.",
		}),

		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_created_total",
			Help:      "Total sessions ever created.",
		}),

		SessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_expired_total",
			Help:      "Total sessions removed by the idle sweeper or at shutdown.",
		}),

		SessionsReadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_read_errors_total",
			Help:      "Total sessions torn down by a persistent upstream read error.",
		}),

		PacketsUpTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_up_total",
			Help:      "Total datagrams forwarded from a client to an upstream endpoint.",
		}),

		PacketsDownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_down_total",
			Help:      "Total datagrams forwarded from an upstream endpoint back to a client.",
		}),

		PacketsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped before dispatch, labeled by reason.",
		}, []string{"reason"}),

		ConfigAppliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "config_applies_total",
			Help:      "Total successful configuration applies.",
		}),

		ControlPlaneReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "control_plane_reconnects_total",
			Help:      "Total discovery-stream reconnect attempts.",
		}),
	}
}

// SessionCreated implements session.Metrics.
func (c *Collector) SessionCreated() {
	c.Sessions.Inc()
	c.SessionsCreatedTotal.Inc()
}

// SessionExpired implements session.Metrics.
func (c *Collector) SessionExpired() {
	c.Sessions.Dec()
	c.SessionsExpiredTotal.Inc()
}

// SessionReadError implements session.Metrics.
func (c *Collector) SessionReadError() {
	c.Sessions.Dec()
	c.SessionsReadErrorsTotal.Inc()
}

// PacketsUp implements session.Metrics.
func (c *Collector) PacketsUp() {
	c.PacketsUpTotal.Inc()
}

// PacketsDown implements session.Metrics.
func (c *Collector) PacketsDown() {
	c.PacketsDownTotal.Inc()
}

// IncDropped increments the dropped-datagram counter for the given reason.
func (c *Collector) IncDropped(reason string) {
	c.PacketsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordConfigApply implements config.ApplyObserver.
func (c *Collector) RecordConfigApply() {
	c.ConfigAppliesTotal.Inc()
}

// RecordControlPlaneReconnect increments the discovery-stream reconnect
// counter.
func (c *Collector) RecordControlPlaneReconnect() {
	c.ControlPlaneReconnectsTotal.Inc()
}
