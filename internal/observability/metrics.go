// Package observability registers the server's own prometheus
// counters. Exposition lives on the admin-gated /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcmon_samples_ingested_total",
		Help: "Metric samples accepted into storage.",
	})
	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmon_samples_rejected_total",
		Help: "Metric samples rejected per reason.",
	}, []string{"reason"})
	SeriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcmon_series_created_total",
		Help: "Metric series discovered.",
	})
	LogEntriesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcmon_log_entries_ingested_total",
		Help: "Log entries accepted into storage.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmon_auth_failures_total",
		Help: "Authentication failures per kind.",
	}, []string{"auth_type"})
	CommandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmon_command_transitions_total",
		Help: "Command state transitions per target state.",
	}, []string{"status"})
	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcmon_retention_deleted_rows_total",
		Help: "Rows removed by the retention sweep per table.",
	}, []string{"table"})
	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcmon_command_stream_connections",
		Help: "Open agent command-stream connections.",
	})
)
