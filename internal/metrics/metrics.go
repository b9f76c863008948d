// Package metrics exposes Prometheus collectors for the multiplexer and the relay.
//
// A nil *Mux or *Relay is a valid no-op receiver, so components built without
// metrics need no special casing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "docmux"

// Mux collects client-side multiplexer metrics.
type Mux struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	dropped        *prometheus.CounterVec
	redials        prometheus.Counter
	subscriptions  prometheus.Gauge
	connState      *prometheus.GaugeVec
}

// NewMux creates and registers multiplexer collectors on reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewMux(reg prometheus.Registerer) *Mux {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Mux{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "frames_sent_total",
			Help:      "Frames written to the physical connection, by message kind.",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the physical connection, by message kind.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without delivery, by reason.",
		}, []string{"reason"}),
		redials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "redials_total",
			Help:      "Redial attempts scheduled after a dropped connection.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "subscriptions",
			Help:      "Subscription records currently held.",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "mux",
			Name:      "connection_state",
			Help:      "1 for the current physical connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.framesSent, m.framesReceived, m.decodeErrors, m.dropped, m.redials, m.subscriptions, m.connState)
	return m
}

func (m *Mux) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *Mux) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Mux) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Mux) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Mux) Redial() {
	if m == nil {
		return
	}
	m.redials.Inc()
}

func (m *Mux) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// SetState marks state as current and clears prev.
func (m *Mux) SetState(prev, state string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.connState.WithLabelValues(prev).Set(0)
	}
	m.connState.WithLabelValues(state).Set(1)
}

// Relay collects relay-side metrics.
type Relay struct {
	connections  prometheus.Gauge
	pushes       prometheus.Counter
	authFailures *prometheus.CounterVec
	channels     prometheus.Gauge
}

// NewRelay creates and registers relay collectors on reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewRelay(reg prometheus.Registerer) *Relay {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Relay{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "pushes_total",
			Help:      "Push frames fanned out to subscribers.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "auth_failures_total",
			Help:      "Rejected Auth frames, by error code.",
		}, []string{"code"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "channels",
			Help:      "Channel tokens with at least one subscriber.",
		}),
	}
	reg.MustRegister(r.connections, r.pushes, r.authFailures, r.channels)
	return r
}

func (r *Relay) ConnOpened() {
	if r == nil {
		return
	}
	r.connections.Inc()
}

func (r *Relay) ConnClosed() {
	if r == nil {
		return
	}
	r.connections.Dec()
}

func (r *Relay) Pushed(n int) {
	if r == nil {
		return
	}
	r.pushes.Add(float64(n))
}

func (r *Relay) AuthFailed(code string) {
	if r == nil {
		return
	}
	r.authFailures.WithLabelValues(code).Inc()
}

func (r *Relay) SetChannels(n int) {
	if r == nil {
		return
	}
	r.channels.Set(float64(n))
}
