// Package metrics holds the Prometheus collectors shared by the delivery
// pipeline, the moderation state machine and the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_events_total",
			Help: "Trigger events handled, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_push_total",
			Help: "Push send attempts by category and result.",
		},
		[]string{"category", "result"},
	)

	PushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scoracle_notify_push_duration_seconds",
			Help:    "Duration of push provider calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	InAppTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_inapp_total",
			Help: "In-app notification writes by category and status.",
		},
		[]string{"category", "status"},
	)

	SkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_skipped_total",
			Help: "Recipients skipped by the eligibility filter, by reason.",
		},
		[]string{"reason"},
	)

	TokensCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scoracle_notify_tokens_cleared_total",
			Help: "Push tokens cleared after an invalid-token response.",
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_moderation_transitions_total",
			Help: "Moderation status transitions by target state.",
		},
		[]string{"state"},
	)

	Expired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_moderation_expired_total",
			Help: "Mutes, suspensions and sanctions lifted by the expiry sweep.",
		},
		[]string{"what"},
	)

	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoracle_notify_task_runs_total",
			Help: "Scheduled task runs by task and status.",
		},
		[]string{"task", "status"},
	)
)
