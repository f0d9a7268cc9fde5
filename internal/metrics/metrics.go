// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailpipe_messages_enqueued_total",
		Help: "Total number of messages accepted by the producer API",
	})
	// DispatchResults counts per-message dispatch outcomes: sent, permanent_failure,
	// retries_exhausted, cancelled.
	DispatchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_dispatch_results_total",
		Help: "Total number of per-message dispatch outcomes",
	}, []string{"result"})
	// Batches counts batch-build decisions: dispatched, rescheduled, idle, abandoned.
	Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_batches_total",
		Help: "Total number of batch-build runs by outcome",
	}, []string{"outcome"})
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_events_total",
		Help: "Total number of delivery events applied, by type and whether the message changed",
	}, []string{"type", "changed"})
	Callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_callbacks_total",
		Help: "Total number of user callback deliveries by result",
	}, []string{"result"})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_notifications_total",
		Help: "Total number of inbound notification envelopes by type",
	}, []string{"type"})
	RetentionDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_retention_deleted_total",
		Help: "Total number of messages deleted by the retention sweeps",
	}, []string{"sweep"})
)

func init() {
	prometheus.MustRegister(MessagesEnqueued)
	prometheus.MustRegister(DispatchResults)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(Events)
	prometheus.MustRegister(Callbacks)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(RetentionDeleted)
}
