// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fieldstream"

// Metrics is a prometheus.Collector tracking upload sessions. All
// update methods tolerate a nil receiver, so callers never need to
// guard for the metrics-less case.
type Metrics struct {
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	filesTotal      prometheus.Counter
	fieldsTotal     prometheus.Counter
	lateFieldsTotal prometheus.Counter
	parseErrors     prometheus.Counter
	cancelledFiles  prometheus.Counter
	controlPassed   *prometheus.CounterVec
	timeouts        *prometheus.CounterVec
}

// NewMetrics returns a new Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_sessions",
				Help:      "The number of upload sessions currently being pumped.",
			},
		),
		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_total",
				Help:      "The number of upload sessions started.",
			},
		),
		filesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "files_total",
				Help:      "The number of file parts received.",
			},
		),
		fieldsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fields_total",
				Help:      "The number of text fields received.",
			},
		),
		lateFieldsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "late_fields_total",
				Help:      "The number of text fields received after the first file.",
			},
		),
		parseErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "parse_errors_total",
				Help:      "The number of requests aborted by a malformed or truncated body.",
			},
		),
		cancelledFiles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cancelled_files_total",
				Help:      "The number of file handles cancelled before their bytes were drained.",
			},
		),
		controlPassed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "control_passed_total",
				Help:      "The number of control handoffs, by trigger.",
			}, []string{"trigger"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "timeouts_total",
				Help:      "The number of upstream watchdog timeouts, by kind.",
			}, []string{"kind"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.activeSessions.Describe(ch)
	m.sessionsTotal.Describe(ch)
	m.filesTotal.Describe(ch)
	m.fieldsTotal.Describe(ch)
	m.lateFieldsTotal.Describe(ch)
	m.parseErrors.Describe(ch)
	m.cancelledFiles.Describe(ch)
	m.controlPassed.Describe(ch)
	m.timeouts.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.activeSessions.Collect(ch)
	m.sessionsTotal.Collect(ch)
	m.filesTotal.Collect(ch)
	m.fieldsTotal.Collect(ch)
	m.lateFieldsTotal.Collect(ch)
	m.parseErrors.Collect(ch)
	m.cancelledFiles.Collect(ch)
	m.controlPassed.Collect(ch)
	m.timeouts.Collect(ch)
}

// SessionStarted records a new session's pump starting.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionFinished records a session's pump stopping.
func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ControlPassed records a control handoff and its trigger.
func (m *Metrics) ControlPassed(trigger string) {
	if m == nil {
		return
	}
	m.controlPassed.WithLabelValues(trigger).Inc()
}

// FileReceived records the decoder reporting a file part.
func (m *Metrics) FileReceived() {
	if m == nil {
		return
	}
	m.filesTotal.Inc()
}

// FieldReceived records the decoder reporting a text field.
func (m *Metrics) FieldReceived() {
	if m == nil {
		return
	}
	m.fieldsTotal.Inc()
}

// LateField records a text field arriving after the first file.
func (m *Metrics) LateField() {
	if m == nil {
		return
	}
	m.lateFieldsTotal.Inc()
}

// ParseError records a request aborted by a malformed body.
func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// FilesCancelled records n file handles cancelled undrained.
func (m *Metrics) FilesCancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cancelledFiles.Add(float64(n))
}

// Timeout records an upstream watchdog firing.
func (m *Metrics) Timeout(kind string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(kind).Inc()
}
