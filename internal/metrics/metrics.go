package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Terminal sessions

	TerminalSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playground_terminal_sessions_active",
			Help: "Number of live terminal bridge sessions",
		},
	)

	TerminalSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_terminal_sessions_total",
			Help: "Terminal bridge attempts by outcome",
		},
		[]string{"outcome"},
	)

	TerminalSessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playground_terminal_session_duration_seconds",
			Help:    "Lifetime of terminal bridge sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 14400},
		},
	)

	TerminalBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_terminal_bytes_total",
			Help: "Bytes relayed by the terminal bridge",
		},
		[]string{"direction"},
	)

	TerminalResizesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_terminal_resizes_total",
			Help: "Resize control messages by result",
		},
		[]string{"result"},
	)

	// Container lifecycle

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_operations_total",
			Help: "Container lifecycle operations by kind and final status",
		},
		[]string{"kind", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playground_operation_duration_seconds",
			Help:    "Container lifecycle operation latency",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)
)

// Session outcome labels.
const (
	OutcomeStarted  = "started"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
)

// Byte direction labels.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

var (
	// HTTP

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playground_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
