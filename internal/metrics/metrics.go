package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "silo_fleet"

// Metrics holds the Prometheus collectors for the fleet engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SessionsOnline     prometheus.Gauge
	Registrations      prometheus.Counter
	Heartbeats         prometheus.Counter
	CommandsDispatched prometheus.Counter
	CommandResults     *prometheus.CounterVec
	Alerts             *prometheus.CounterVec
	AlertsSuppressed   prometheus.Counter
	SweepTransitions   prometheus.Counter
	PersistenceErrors  prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_online",
			Help:      "Number of agent sessions currently online",
		}),
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of agent registrations",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats accepted",
		}),
		CommandsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Total number of commands sent to agents",
		}),
		CommandResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_results_total",
			Help:      "Total number of command results received, by whether a dispatch matched",
		}, []string{"matched"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts emitted, by kind",
		}, []string{"kind"}),
		AlertsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Total number of alerts dropped by the de-duplication window",
		}),
		SweepTransitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_offline_transitions_total",
			Help:      "Total number of sessions marked offline by the liveness sweeper",
		}),
		PersistenceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Total number of failed durable writes",
		}),
	}
}

func (m *Metrics) SetSessionsOnline(n int) {
	if m == nil {
		return
	}
	m.SessionsOnline.Set(float64(n))
}

func (m *Metrics) IncRegistrations() {
	if m == nil {
		return
	}
	m.Registrations.Inc()
}

func (m *Metrics) IncHeartbeats() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

func (m *Metrics) IncCommandsDispatched() {
	if m == nil {
		return
	}
	m.CommandsDispatched.Inc()
}

func (m *Metrics) IncCommandResults(matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.CommandResults.WithLabelValues(label).Inc()
}

func (m *Metrics) IncAlerts(kind string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncAlertsSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Inc()
}

func (m *Metrics) IncSweepTransitions() {
	if m == nil {
		return
	}
	m.SweepTransitions.Inc()
}

func (m *Metrics) IncPersistenceErrors() {
	if m == nil {
		return
	}
	m.PersistenceErrors.Inc()
}
