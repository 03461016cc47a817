// Package metrics provides Prometheus metrics for the flowrun engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "succeeded", "failed", "cancelled"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of currently running runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts nodes executed by final status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "nodes_total",
			Help:      "Total number of nodes executed by status",
		},
		[]string{"status"}, // "succeeded", "failed", "skipped"
	)

	// NodeDuration tracks node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// NodeRetries tracks retry attempts per node.
	NodeRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "node_retries",
			Help:      "Number of retry attempts per node",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// EventsTotal counts events appended by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of events appended",
		},
		[]string{"type"},
	)

	// SSEActiveConnections tracks open event stream connections.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE connections",
		},
	)

	// SSEConnectionDuration tracks SSE connection lifetime.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// SSESubscribersDropped counts subscribers dropped for backpressure.
	SSESubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "sse_subscribers_dropped_total",
			Help:      "Subscribers dropped because their outbound queue overflowed",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SchedulerQueueDepth tracks nodes ready or waiting for a slot.
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowrun",
			Subsystem: "engine",
			Name:      "scheduler_queue_depth",
			Help:      "Number of nodes pending execution across runs",
		},
	)
)
