package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes call quality as Prometheus collectors. Each instance owns a
// private registry so several engines can coexist in one process. All
// methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	lateFrames    *prometheus.CounterVec
	received      *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
	authFailures  prometheus.Counter
	protocolDrops prometheus.Counter
	replayDrops   prometheus.Counter
	inboundDrops  prometheus.Counter
	jitterTarget  prometheus.Gauge
	badRate       *prometheus.GaugeVec
	states        *prometheus.CounterVec
	mos           prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torvoice_playout_frames_total",
				Help: "Frames produced by the playout engine by outcome",
			},
			[]string{"outcome"},
		),
		lateFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torvoice_late_frames_total",
				Help: "Frames that arrived behind the playout cursor",
			},
			[]string{"circuit"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torvoice_received_frames_total",
				Help: "Authenticated frames received per circuit",
			},
			[]string{"circuit"},
		),
		sendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torvoice_send_failures_total",
				Help: "Transport send failures per circuit",
			},
			[]string{"circuit"},
		),
		rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torvoice_circuit_rebuilds_total",
				Help: "Circuit rebuilds requested",
			},
			[]string{"circuit"},
		),
		authFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "torvoice_authentication_failures_total",
				Help: "Frames discarded because AEAD authentication failed",
			},
		),
		protocolDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "torvoice_protocol_drops_total",
				Help: "Malformed frames discarded",
			},
		),
		replayDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "torvoice_replay_drops_total",
				Help: "Authenticated frames rejected by the replay window",
			},
		),
		inboundDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "torvoice_inbound_queue_drops_total",
				Help: "Decrypted frames dropped on a full playout queue",
			},
		),
		jitterTarget: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "torvoice_jitter_target_milliseconds",
				Help: "Current adaptive jitter buffer target",
			},
		),
		badRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "torvoice_circuit_bad_rate_permille",
				Help: "Smoothed late+missing rate reported by the peer",
			},
			[]string{"circuit"},
		),
		states: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torvoice_session_state_transitions_total",
				Help: "Call session state transitions by target state",
			},
			[]string{"state"},
		),
		mos: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "torvoice_estimated_mos",
				Help: "Estimated mean opinion score of the current call",
			},
		),
	}

	m.registry.MustRegister(
		m.frames,
		m.lateFrames,
		m.received,
		m.sendFailures,
		m.rebuilds,
		m.authFailures,
		m.protocolDrops,
		m.replayDrops,
		m.inboundDrops,
		m.jitterTarget,
		m.badRate,
		m.states,
		m.mos,
	)
	return m
}

// Registry returns the private registry, for promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PlayoutFrame counts a tick outcome ("played", "recovered", ...).
func (m *Metrics) PlayoutFrame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

// LateFrame counts a late frame on a circuit.
func (m *Metrics) LateFrame(circuit int) {
	if m == nil {
		return
	}
	m.lateFrames.WithLabelValues(strconv.Itoa(circuit)).Inc()
}

// FrameReceived counts an authenticated frame on a circuit.
func (m *Metrics) FrameReceived(circuit int) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(strconv.Itoa(circuit)).Inc()
}

// SendFailure counts a transport send failure.
func (m *Metrics) SendFailure(circuit int) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(strconv.Itoa(circuit)).Inc()
}

// Rebuild counts a rebuild request.
func (m *Metrics) Rebuild(circuit int) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(strconv.Itoa(circuit)).Inc()
}

// AuthFailure counts a frame that failed AEAD authentication.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// ProtocolDrop counts a malformed frame.
func (m *Metrics) ProtocolDrop() {
	if m == nil {
		return
	}
	m.protocolDrops.Inc()
}

// ReplayDrop counts a frame rejected by the replay window.
func (m *Metrics) ReplayDrop() {
	if m == nil {
		return
	}
	m.replayDrops.Inc()
}

// InboundDrop counts a decrypted frame dropped on a full playout queue.
func (m *Metrics) InboundDrop() {
	if m == nil {
		return
	}
	m.inboundDrops.Inc()
}

// SetJitterTarget records the current jitter buffer target.
func (m *Metrics) SetJitterTarget(ms int) {
	if m == nil {
		return
	}
	m.jitterTarget.Set(float64(ms))
}

// SetCircuitBadRate records a circuit's smoothed bad rate.
func (m *Metrics) SetCircuitBadRate(circuit int, permille float64) {
	if m == nil {
		return
	}
	m.badRate.WithLabelValues(strconv.Itoa(circuit)).Set(permille)
}

// StateChanged counts a session state transition.
func (m *Metrics) StateChanged(state string) {
	if m == nil {
		return
	}
	m.states.WithLabelValues(state).Inc()
}

// SetMOS records the latest quality estimate.
func (m *Metrics) SetMOS(mos float64) {
	if m == nil {
		return
	}
	m.mos.Set(mos)
}
