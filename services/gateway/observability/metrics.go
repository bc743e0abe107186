// Copyright (C) 2026 Calyptra AI (oss@calyptra.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the research
// gateway: request counters, round and tool-call counters, latency
// histograms, and active stream gauges. Metrics are exposed on
// /metrics for Prometheus scraping.
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "deepresearch"

const researchSubsystem = "research"

// ResearchMetrics holds all Prometheus metrics for research streaming.
// Initialize once at startup via InitMetrics().
type ResearchMetrics struct {
	// RequestsTotal counts research requests by status
	// (success, error, busy, cancelled).
	RequestsTotal *prometheus.CounterVec

	// RoundsTotal counts reasoning rounds executed.
	RoundsTotal prometheus.Counter

	// ToolCallsTotal counts tool invocations by tool and status.
	ToolCallsTotal *prometheus.CounterVec

	// TimeToFirstEventSeconds measures latency from request to the
	// first streamed event.
	TimeToFirstEventSeconds prometheus.Histogram

	// StreamDurationSeconds measures total turn duration by status.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently running research turns.
	ActiveStreams prometheus.Gauge

	// AdmissionRejectsTotal counts requests turned away busy.
	AdmissionRejectsTotal prometheus.Counter

	// KeepAlivesTotal counts heartbeat pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *ResearchMetrics

// InitMetrics creates and registers all gateway metrics on the default
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *ResearchMetrics {
	DefaultMetrics = &ResearchMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "requests_total",
				Help:      "Total research requests by terminal status",
			},
			[]string{"status"},
		),

		RoundsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "rounds_total",
				Help:      "Total reasoning rounds executed",
			},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		TimeToFirstEventSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "time_to_first_event_seconds",
				Help:      "Time from request to first streamed event in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total research turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "active_streams",
				Help:      "Number of research turns currently streaming",
			},
		),

		AdmissionRejectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "admission_rejects_total",
				Help:      "Total requests rejected because all slots were busy",
			},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "keepalives_total",
				Help:      "Total heartbeat pings sent",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordRequest records a finished request and its duration.
func (m *ResearchMetrics) RecordRequest(status StreamStatus, duration float64) {
	m.RequestsTotal.WithLabelValues(string(status)).Inc()
	m.StreamDurationSeconds.WithLabelValues(string(status)).Observe(duration)
}

// RecordToolCall records one tool invocation outcome.
func (m *ResearchMetrics) RecordToolCall(tool string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordKeepAlive records a heartbeat ping.
func (m *ResearchMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordDisconnect records a client gone mid-stream.
func (m *ResearchMetrics) RecordDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}

// StreamStatus labels a terminal request outcome for metrics.
type StreamStatus string

const (
	StatusSuccess   StreamStatus = "success"
	StatusError     StreamStatus = "error"
	StatusBusy      StreamStatus = "busy"
	StatusCancelled StreamStatus = "cancelled"
)
