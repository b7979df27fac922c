// Package metrics provides Prometheus metrics for the tickwire engine.
//
// All methods are safe to call on a nil *Metrics, so the engine can be run
// with metrics disabled without nil checks at every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tickwire"

// Reasons for connection teardown and dial failure, used as the reason
// label on disconnects_total.
const (
	ReasonDialFailed     = "dial_failed"
	ReasonReadFailed     = "read_failed"
	ReasonMalformedFrame = "malformed_frame"
	ReasonDeadPeer       = "dead_peer"
	ReasonLocalClose     = "local_close"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	Registry *prometheus.Registry

	framesTotal        *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	heartbeatsTotal    *prometheus.CounterVec
	disconnectsTotal   *prometheus.CounterVec
	unmatchedResponses prometheus.Counter
	eventsDropped      prometheus.Counter
	pendingRequests    prometheus.Gauge
	connected          prometheus.Gauge
	requestDuration    prometheus.Histogram
	tokenExchanges     *prometheus.CounterVec
}

// New creates a Metrics instance with a private Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total protocol frames, by direction.",
		}, []string{"direction"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total frame bytes on the wire, by direction.",
		}, []string{"direction"}),

		heartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total heartbeat envelopes, by direction.",
		}, []string{"direction"}),

		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connection teardowns and failed dial attempts, by reason.",
		}, []string{"reason"}),

		unmatchedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_responses_total",
			Help:      "Responses dropped because no request was pending under their id.",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Unsolicited events discarded because the dispatch queue was full.",
		}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a correlated response.",
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the protocol connection is established (1) or not (0).",
		}),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of correlated requests in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "OAuth token endpoint exchanges, by grant and status.",
		}, []string{"grant", "status"}),
	}

	reg.MustRegister(
		m.framesTotal,
		m.bytesTotal,
		m.heartbeatsTotal,
		m.disconnectsTotal,
		m.unmatchedResponses,
		m.eventsDropped,
		m.pendingRequests,
		m.connected,
		m.requestDuration,
		m.tokenExchanges,
	)

	return m
}

// FrameSent records one outbound frame of the given wire size.
func (m *Metrics) FrameSent(bytes int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("sent").Inc()
	m.bytesTotal.WithLabelValues("sent").Add(float64(bytes))
}

// FrameReceived records one inbound frame of the given wire size.
func (m *Metrics) FrameReceived(bytes int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("received").Inc()
	m.bytesTotal.WithLabelValues("received").Add(float64(bytes))
}

// HeartbeatSent records one outbound heartbeat envelope.
func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsTotal.WithLabelValues("sent").Inc()
}

// HeartbeatReceived records one inbound heartbeat envelope.
func (m *Metrics) HeartbeatReceived() {
	if m == nil {
		return
	}
	m.heartbeatsTotal.WithLabelValues("received").Inc()
}

// Disconnected records a connection teardown or failed dial attempt and
// clears the connected gauge.
func (m *Metrics) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnectsTotal.WithLabelValues(reason).Inc()
	m.connected.Set(0)
}

// Connected sets the connected gauge.
func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connected.Set(1)
}

// UnmatchedResponse records a response dropped for want of a pending request.
func (m *Metrics) UnmatchedResponse() {
	if m == nil {
		return
	}
	m.unmatchedResponses.Inc()
}

// EventDropped records an event discarded from a full dispatch queue.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RequestStarted increments the pending-request gauge.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

// RequestFinished decrements the pending-request gauge and records the
// round-trip duration in seconds.
func (m *Metrics) RequestFinished(seconds float64) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requestDuration.Observe(seconds)
}

// TokenExchange records one token endpoint exchange outcome.
func (m *Metrics) TokenExchange(grant, status string) {
	if m == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(grant, status).Inc()
}
