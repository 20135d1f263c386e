// Package metrics provides Prometheus metrics for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	SessionsActive *prometheus.GaugeVec
	SpawnsTotal    *prometheus.CounterVec
	EventsTotal    *prometheus.CounterVec
	ProtocolDrops  prometheus.Counter
	PollsTotal     *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	NotifyFailures prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_sessions_active",
				Help: "Number of live agent sessions by skill.",
			},
			[]string{"skill"},
		),
		SpawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_spawns_total",
				Help: "Total agent subprocess spawns by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_bridge_events_total",
				Help: "Total bridge events dispatched by event type.",
			},
			[]string{"type"},
		),
		ProtocolDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "foreman_protocol_drops_total",
				Help: "Total malformed protocol lines dropped by the bridge.",
			},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_scheduler_polls_total",
				Help: "Total scheduler polls by project and result.",
			},
			[]string{"project", "result"},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "foreman_scheduler_poll_duration_seconds",
				Help:    "Scheduler poll duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		NotifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "foreman_notify_failures_total",
				Help: "Total best-effort notification sends that failed.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.SpawnsTotal)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.ProtocolDrops)
	reg.MustRegister(m.PollsTotal)
	reg.MustRegister(m.PollDuration)
	reg.MustRegister(m.NotifyFailures)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSpawn increments the spawn counter.
func (m *Metrics) RecordSpawn(trigger, result string) {
	if m == nil {
		return
	}
	m.SpawnsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordEvent increments the bridge event counter.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDrop increments the protocol drop counter.
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.ProtocolDrops.Inc()
}

// RecordPoll increments the scheduler poll counter.
func (m *Metrics) RecordPoll(project, result string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(project, result).Inc()
}

// ObservePoll records poll duration.
func (m *Metrics) ObservePoll(seconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
}

// SetActive sets the live session gauge for a skill.
func (m *Metrics) SetActive(skill string, n float64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(skill).Set(n)
}

// RecordNotifyFailure increments the notification failure counter.
func (m *Metrics) RecordNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailures.Inc()
}
