// Package metrics defines the worker's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesDetected counts new messages found by the monitor.
	MessagesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopromo_messages_detected_total",
		Help: "New source-group messages detected by the monitor",
	})

	// IngestionResults counts gate decisions by status.
	IngestionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopromo_ingestion_results_total",
		Help: "Ingestion gate decisions by status (accepted, duplicate)",
	}, []string{"status"})

	// JobsEnqueued counts destination-scoped jobs produced by the
	// transform pipeline.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopromo_jobs_enqueued_total",
		Help: "Destination-scoped jobs added to the dispatch queue",
	})

	// SendResults counts send attempts by outcome.
	SendResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopromo_send_results_total",
		Help: "Send attempts by outcome (sent, error)",
	}, []string{"status"})

	// SessionsRecreated counts browser sessions torn down and rebuilt
	// after a failed liveness probe.
	SessionsRecreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopromo_sessions_recreated_total",
		Help: "Browser sessions recreated after liveness failure",
	})

	// LoginTransitions counts state machine transitions by target state.
	LoginTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopromo_login_transitions_total",
		Help: "Login state machine transitions by target state",
	}, []string{"to"})

	// StaleJobsDropped counts jobs discarded by queue cleanup.
	StaleJobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopromo_stale_jobs_dropped_total",
		Help: "Queued jobs discarded for exceeding the maximum age",
	})
)
