// Package metrics exposes the coordinator's counters and gauges as
// prometheus collectors. Grounded on the tbc service's optional
// prometheus wiring (a []prometheus.Collector built only when a listen
// address is configured); generalized here into a struct of collectors
// a caller registers with whatever Registerer it already runs, so this
// module never opens its own listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "p2pcore"

// Metrics bundles every collector the coordinator and its subsystems
// update. A zero-value Metrics (as returned by New with a nil Registerer)
// is safe to use: every method is a no-op.
type Metrics struct {
	enabled bool

	connectedChannels prometheus.Gauge
	pendingChannels   prometheus.Gauge
	hostPoolSize      prometheus.Gauge

	dialAttempts prometheus.Counter
	dialFailures prometheus.Counter

	handshakeSuccess prometheus.Counter
	handshakeFailure prometheus.Counter

	channelStops *prometheus.CounterVec
}

// New constructs the collector set and registers it with reg. reg may be
// nil, in which case the returned Metrics silently discards every update;
// callers that don't care about metrics never need to special-case this.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: reg != nil}
	if !m.enabled {
		return m
	}

	m.connectedChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_channels",
		Help:      "Number of channels currently in the connection registry.",
	})
	m.pendingChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_channels",
		Help:      "Number of channels currently mid-handshake.",
	})
	m.hostPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_pool_size",
		Help:      "Number of addresses currently in the hosts pool.",
	})
	m.dialAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dial_attempts_total",
		Help:      "Outbound dial attempts, including seed and manual dials.",
	})
	m.dialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dial_failures_total",
		Help:      "Outbound dial attempts that failed before a connection was established.",
	})
	m.handshakeSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_success_total",
		Help:      "Channels promoted to active after a completed version/verack exchange.",
	})
	m.handshakeFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failure_total",
		Help:      "Channels that stopped before reaching active.",
	})
	m.channelStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_stops_total",
		Help:      "Channel stops, labeled by the status code they stopped with.",
	}, []string{"code"})

	reg.MustRegister(
		m.connectedChannels,
		m.pendingChannels,
		m.hostPoolSize,
		m.dialAttempts,
		m.dialFailures,
		m.handshakeSuccess,
		m.handshakeFailure,
		m.channelStops,
	)
	return m
}

func (m *Metrics) SetConnectedChannels(n int) {
	if m != nil && m.enabled {
		m.connectedChannels.Set(float64(n))
	}
}

func (m *Metrics) SetPendingChannels(n int) {
	if m != nil && m.enabled {
		m.pendingChannels.Set(float64(n))
	}
}

func (m *Metrics) SetHostPoolSize(n int) {
	if m != nil && m.enabled {
		m.hostPoolSize.Set(float64(n))
	}
}

func (m *Metrics) ObserveDialAttempt() {
	if m != nil && m.enabled {
		m.dialAttempts.Inc()
	}
}

func (m *Metrics) ObserveDialFailure() {
	if m != nil && m.enabled {
		m.dialFailures.Inc()
	}
}

func (m *Metrics) ObserveHandshakeSuccess() {
	if m != nil && m.enabled {
		m.handshakeSuccess.Inc()
	}
}

func (m *Metrics) ObserveHandshakeFailure() {
	if m != nil && m.enabled {
		m.handshakeFailure.Inc()
	}
}

// ObserveChannelStop records a channel stop labeled by its status code's
// string form.
func (m *Metrics) ObserveChannelStop(code string) {
	if m != nil && m.enabled {
		m.channelStops.WithLabelValues(code).Inc()
	}
}
