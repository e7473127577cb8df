package qmp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-process QMP traffic counters. One value may be
// shared by many sessions.
type Metrics struct {
	commands    *prometheus.CounterVec
	events      *prometheus.CounterVec
	inFlight    prometheus.Gauge
	frameErrors *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmp_commands_total",
				Help: "Commands executed, by outcome",
			},
			[]string{"outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmp_events_total",
				Help: "Asynchronous events received, by event name",
			},
			[]string{"event"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qmp_commands_in_flight",
				Help: "Commands sent and not yet answered",
			},
		),
		frameErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qmp_frame_errors_total",
				Help: "Inbound frames that could not be decoded or classified",
			},
			[]string{"kind"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qmp_sessions_open",
				Help: "Sessions not yet closed",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.events, m.inFlight, m.frameErrors, m.sessions)
	}
	return m
}

// Command outcomes.
const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeClosed    = "closed"
	outcomeCancelled = "cancelled"
)

func (m *Metrics) commandDone(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) commandSent() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) commandFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) frameError(kind string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
