// Package metrics exposes prometheus collectors for the control sessions and runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/simlink/internal/domain"
)

var states = []domain.RunState{
	domain.RunStateIdling,
	domain.RunStateRunning,
	domain.RunStateWaiting,
	domain.RunStateFinished,
	domain.RunStateError,
}

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands *prometheus.CounterVec
	runs     *prometheus.CounterVec
	pauses   *prometheus.CounterVec
	state    *prometheus.GaugeVec
	fields   prometheus.Gauge
	framing  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simlink",
			Name:      "commands_total",
			Help:      "Commands handled, by session, keyword and outcome.",
		}, []string{"session", "command", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simlink",
			Name:      "runs_total",
			Help:      "Completed runs by final state.",
		}, []string{"state"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simlink",
			Name:      "pauses_total",
			Help:      "Pauses by owner.",
		}, []string{"owner"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simlink",
			Name:      "run_state",
			Help:      "1 for the current run state, 0 otherwise.",
		}, []string{"state"}),
		fields: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simlink",
			Name:      "fields",
			Help:      "Registered fields.",
		}),
		framing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simlink",
			Name:      "framing_errors_total",
			Help:      "Malformed messages ignored.",
		}),
	}
	m.registry.MustRegister(
		m.commands, m.runs, m.pauses, m.state, m.fields, m.framing,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(domain.RunStateIdling)
	return m
}

func (m *Metrics) Command(session, command string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commands.WithLabelValues(session, command, outcome).Inc()
}

func (m *Metrics) RunCompleted(state domain.RunState) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) Paused(owner domain.PauseOwner) {
	if m == nil {
		return
	}
	m.pauses.WithLabelValues(string(owner)).Inc()
}

func (m *Metrics) SetState(state domain.RunState) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) SetFields(n int) {
	if m == nil {
		return
	}
	m.fields.Set(float64(n))
}

func (m *Metrics) FramingError() {
	if m == nil {
		return
	}
	m.framing.Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
