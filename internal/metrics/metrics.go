// Package metrics holds the Prometheus collectors for call sessions and the
// signaling relay. All methods are safe on a nil receiver so components can run
// without metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "owlycall"

// Calls holds client-side call session metrics
type Calls struct {
	sessionsTotal   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionsEnded   *prometheus.CounterVec
	callDuration    prometheus.Histogram
	transitions     *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	incomingTotal   *prometheus.CounterVec
	ringtoneStarts  prometheus.Counter
	ringtoneFailure prometheus.Counter
}

// NewCalls creates and registers call session metrics on reg.
func NewCalls(reg prometheus.Registerer) *Calls {
	f := promauto.With(reg)
	return &Calls{
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}, []string{"role", "kind"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of call sessions not yet ended",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of ended call sessions by reason",
		}, []string{"reason"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected duration of ended calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Call session state transitions",
		}, []string{"from", "to"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_events_dropped_total",
			Help:      "Inbound signaling events discarded by the session filters",
		}, []string{"event", "reason"}),
		retriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_retries_total",
			Help:      "Negotiation retries after ICE failure",
		}),
		incomingTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoming_calls_total",
			Help:      "Incoming call notifications by outcome",
		}, []string{"outcome"}),
		ringtoneStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ringtone_starts_total",
			Help:      "Ringtone playback starts",
		}),
		ringtoneFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ringtone_failures_total",
			Help:      "Swallowed ringtone playback failures",
		}),
	}
}

func (m *Calls) SessionStarted(role, kind string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(role, kind).Inc()
	m.sessionsActive.Inc()
}

func (m *Calls) SessionEnded(reason string, connected time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsEnded.WithLabelValues(reason).Inc()
	if connected > 0 {
		m.callDuration.Observe(connected.Seconds())
	}
}

func (m *Calls) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Calls) EventDropped(event, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(event, reason).Inc()
}

func (m *Calls) Retry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Calls) Incoming(outcome string) {
	if m == nil {
		return
	}
	m.incomingTotal.WithLabelValues(outcome).Inc()
}

func (m *Calls) RingtoneStarted() {
	if m == nil {
		return
	}
	m.ringtoneStarts.Inc()
}

func (m *Calls) RingtoneFailed() {
	if m == nil {
		return
	}
	m.ringtoneFailure.Inc()
}

// Relay holds signaling relay metrics
type Relay struct {
	connections    prometheus.Gauge
	eventsRouted   *prometheus.CounterVec
	eventsRejected *prometheus.CounterVec
	callsInFlight  prometheus.Gauge
	rateLimited    prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRelay creates and registers relay metrics on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Authenticated websocket connections",
		}),
		eventsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_routed_total",
			Help:      "Signaling events routed by inbound event name",
		}, []string{"event"}),
		eventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_rejected_total",
			Help:      "Signaling events rejected by error code",
		}, []string{"code"}),
		callsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_calls_in_flight",
			Help:      "Calls announced and not yet finished",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rate_limited_total",
			Help:      "Socket messages dropped by the per-user rate limiter",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Relay) Connected() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Relay) Disconnected() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Relay) Routed(event string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(event).Inc()
}

func (m *Relay) Rejected(code string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(code).Inc()
}

func (m *Relay) CallsInFlight(n int) {
	if m == nil {
		return
	}
	m.callsInFlight.Set(float64(n))
}

func (m *Relay) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// HTTPRequest records a finished HTTP request. route is the matched mux
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Relay) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
