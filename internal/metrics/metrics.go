package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync run metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_sync_runs_total",
			Help: "Total number of sync runs by mode and outcome",
		},
		[]string{"mode", "status"}, // status: success, partial, failed, rejected
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailmirror_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		[]string{"mode"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_messages_total",
			Help: "Messages processed by sync runs, by change kind",
		},
		[]string{"change"}, // added, updated, moved, deleted, unchanged, duplicate
	)

	SyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_sync_errors_total",
			Help: "Contained errors recorded in sync reports",
		},
		[]string{"kind"},
	)
)

// Store metrics
var (
	BatchCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailmirror_batch_commit_seconds",
			Help:    "Time spent committing one sync batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	BatchesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailmirror_batches_failed_total",
			Help: "Sync batches rolled back",
		},
	)

	BodyFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_body_fetch_total",
			Help: "On-demand body fetches by result",
		},
		[]string{"result"}, // fetched, cached, unavailable, error
	)
)

// RecordSyncRun counts a finished run and its duration.
func RecordSyncRun(mode, status string, duration time.Duration) {
	SyncRunsTotal.WithLabelValues(mode, status).Inc()
	SyncDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordMessages adds n messages of one change kind. Zero is skipped so the
// series only appears once it has data.
func RecordMessages(change string, n int) {
	if n > 0 {
		MessagesTotal.WithLabelValues(change).Add(float64(n))
	}
}

func RecordSyncError(kind string) {
	SyncErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordBatchCommit observes one batch commit attempt.
func RecordBatchCommit(duration time.Duration, err error) {
	BatchCommitDuration.Observe(duration.Seconds())
	if err != nil {
		BatchesFailedTotal.Inc()
	}
}

func RecordBodyFetch(result string) {
	BodyFetchTotal.WithLabelValues(result).Inc()
}
