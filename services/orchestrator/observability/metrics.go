// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// Metrics cover the streaming ask pipeline: request outcomes, stream
// latencies, provider failovers, quota denials, and active stream counts.
// Exposed on /metrics; all operations are thread-safe via Prometheus's
// internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	askSubsystem     = "ask_stream"
)

// AskMetrics holds all Prometheus metrics for the ask pipeline.
// Initialize once at startup via InitMetrics().
type AskMetrics struct {
	// RequestsTotal counts requests by outcome.
	// Labels: status (success, error, denied)
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency from request to first
	// answer fragment.
	TimeToFirstChunkSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration by outcome.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by code.
	// Labels: error_code (validation, quota_exceeded, forbidden,
	// provider_error, persistence_error, client_disconnect, internal)
	ErrorsTotal *prometheus.CounterVec

	// ProviderFailoversTotal counts credential rotations and backend
	// fallbacks that were needed to serve a request.
	ProviderFailoversTotal prometheus.Counter

	// QuotaDenialsTotal counts requests denied at the usage ceiling.
	QuotaDenialsTotal prometheus.Counter

	// GreetingShortCircuitsTotal counts requests served by the canned
	// greeting without retrieval or generation.
	GreetingShortCircuitsTotal prometheus.Counter

	// ClientDisconnectsTotal counts clients lost mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *AskMetrics

// InitMetrics creates and registers all metrics. Call once at startup;
// calling twice panics on duplicate registration.
func InitMetrics() *AskMetrics {
	DefaultMetrics = &AskMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "requests_total",
				Help:      "Total ask requests by outcome",
			},
			[]string{"status"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first answer fragment",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration by outcome",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open SSE connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by code",
			},
			[]string{"error_code"},
		),

		ProviderFailoversTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "provider_failovers_total",
				Help:      "Credential rotations and backend fallbacks used",
			},
		),

		QuotaDenialsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "quota_denials_total",
				Help:      "Requests denied at the usage ceiling",
			},
		),

		GreetingShortCircuitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "greeting_short_circuits_total",
				Help:      "Requests answered by the canned greeting",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: askSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients lost mid-stream",
			},
		),
	}
	return DefaultMetrics
}

// ErrorCode categorizes an error for the errors_total counter.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeQuotaExceeded    ErrorCode = "quota_exceeded"
	ErrorCodeForbidden        ErrorCode = "forbidden"
	ErrorCodeProviderError    ErrorCode = "provider_error"
	ErrorCodePersistenceError ErrorCode = "persistence_error"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodeInternal         ErrorCode = "internal"
)

// RecordRequest records a completed request outcome.
func (m *AskMetrics) RecordRequest(status string) {
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordError records one categorized error.
func (m *AskMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordStreamDuration records the total stream duration.
func (m *AskMetrics) RecordStreamDuration(seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}
