// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the session coordinator.
//
// # Description
//
// This package implements Prometheus metrics for game sessions. Metrics include:
//   - Event counters and latency (by event kind and result code)
//   - Generator call counters and latency (by prompt kind and status)
//   - Gauges for live sessions and open player connections
//   - A counter of sessions removed by the idle reaper
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *Metrics, so callers never need to
// check whether metrics are enabled.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "skald"

// Metrics holds all Prometheus metrics for the coordinator.
//
// # Fields
//
//   - EventsTotal: Counter of player events by event and result code.
//   - EventDurationSeconds: Histogram of event handling time, queue wait included.
//   - GenerationsTotal: Counter of generator calls by kind and status.
//   - GenerationDurationSeconds: Histogram of generator latency by kind.
//   - ActiveSessions: Gauge of live sessions.
//   - ActiveConnections: Gauge of open player connections.
//   - SessionsExpiredTotal: Counter of sessions removed for inactivity.
type Metrics struct {
	// Labels: event (create_session, submit_action, ...), code (ok, unauthorized, ...)
	EventsTotal *prometheus.CounterVec

	// Labels: event
	EventDurationSeconds *prometheus.HistogramVec

	// Labels: kind (scenario_options, persona_options, action_resolution), status (success, error)
	GenerationsTotal *prometheus.CounterVec

	// Labels: kind
	GenerationDurationSeconds *prometheus.HistogramVec

	ActiveSessions prometheus.Gauge

	ActiveConnections prometheus.Gauge

	SessionsExpiredTotal prometheus.Counter

	// Labels: status (success, error)
	PromptReloadsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. nil uses prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Total player events by event kind and result code",
			},
			[]string{"event", "code"},
		),

		EventDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "event_duration_seconds",
				Help:      "Time from event submission to reply in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"event"},
		),

		GenerationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "generations_total",
				Help:      "Total generator calls by prompt kind and status",
			},
			[]string{"kind", "status"},
		),

		GenerationDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "generation_duration_seconds",
				Help:      "Generator call latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
			},
			[]string{"kind"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_sessions",
				Help:      "Number of live sessions",
			},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_connections",
				Help:      "Number of open player connections",
			},
		),

		SessionsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_expired_total",
				Help:      "Total sessions removed after being idle",
			},
		),

		PromptReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "prompt_reloads_total",
				Help:      "Prompt file reloads by status",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordEvent records a handled event.
//
// # Inputs
//
//   - event: The event kind.
//   - code: The result code ("ok" or an error code).
//   - seconds: Time from submission to reply.
func (m *Metrics) RecordEvent(event, code string, seconds float64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event, code).Inc()
	m.EventDurationSeconds.WithLabelValues(event).Observe(seconds)
}

// RecordGeneration records one generator call.
func (m *Metrics) RecordGeneration(kind string, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.GenerationsTotal.WithLabelValues(kind, status).Inc()
	m.GenerationDurationSeconds.WithLabelValues(kind).Observe(seconds)
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordPromptReload counts one prompt file reload. A nil err is a success.
func (m *Metrics) RecordPromptReload(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PromptReloadsTotal.WithLabelValues(status).Inc()
}

// RecordExpired adds n sessions to the expired counter.
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpiredTotal.Add(float64(n))
}
