// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for upload assembly and job
// scheduling. Collectors are registered via promauto at package init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upload assembly metrics
	chunksWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_upload_chunks_written_total",
		Help: "Total number of chunk writes accepted",
	})

	chunkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_upload_chunk_write_errors_total",
		Help: "Total number of rejected chunk writes by reason",
	}, []string{"reason"}) // reason=out_of_range|total_mismatch|already_merged|storage

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipforge_upload_sessions_active",
		Help: "Number of upload sessions currently tracked",
	})

	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_upload_merges_total",
		Help: "Upload merge attempts by outcome",
	}, []string{"outcome"}) // outcome=success|incomplete|error

	mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipforge_upload_merge_duration_seconds",
		Help:    "Wall-clock duration of chunk merges",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	sessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_upload_sessions_expired_total",
		Help: "Total number of incomplete sessions reclaimed by the expiry sweep",
	})

	// Scheduler metrics
	jobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_jobs_submitted_total",
		Help: "Job submissions by task class and outcome",
	}, []string{"class", "outcome"}) // outcome=accepted|queue_full|invalid

	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_jobs_finished_total",
		Help: "Jobs reaching a terminal state by task class and result",
	}, []string{"class", "result"}) // result=completed|failed|cancelled|timed_out

	jobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_job_retries_total",
		Help: "Automatic and manual retry resubmissions by task class",
	}, []string{"class"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clipforge_job_queue_depth",
		Help: "Current number of jobs waiting in each class queue",
	}, []string{"class"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipforge_job_duration_seconds",
		Help:    "Wall-clock duration of job executions by task class",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"class"})

	timeoutSweepReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_job_timeout_sweep_reaped_total",
		Help: "Jobs reaped by the timeout sweep",
	})

	// Encoder process metrics
	encoderStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_encoder_start_total",
		Help: "Total number of encoder process starts",
	}, []string{"result"}) // result=ok|error

	encoderExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_encoder_exit_total",
		Help: "Total number of encoder process exits by reason",
	}, []string{"reason"}) // reason=clean|error|timeout|cancelled
)

func IncChunkWritten()              { chunksWrittenTotal.Inc() }
func IncChunkWriteError(reason string) {
	chunkWriteErrors.WithLabelValues(reason).Inc()
}
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }
func IncMerge(outcome string) { mergesTotal.WithLabelValues(outcome).Inc() }
func ObserveMergeDuration(d time.Duration) {
	mergeDuration.Observe(d.Seconds())
}
func IncSessionExpired() { sessionsExpiredTotal.Inc() }

func IncJobSubmitted(class, outcome string) {
	jobsSubmittedTotal.WithLabelValues(class, outcome).Inc()
}
func IncJobFinished(class, result string) {
	jobsFinishedTotal.WithLabelValues(class, result).Inc()
}
func IncJobRetry(class string)        { jobRetriesTotal.WithLabelValues(class).Inc() }
func SetQueueDepth(class string, n int) {
	queueDepth.WithLabelValues(class).Set(float64(n))
}
func ObserveJobDuration(class string, d time.Duration) {
	jobDuration.WithLabelValues(class).Observe(d.Seconds())
}
func IncTimeoutReaped() { timeoutSweepReaped.Inc() }

func IncEncoderStart(result string) { encoderStartTotal.WithLabelValues(result).Inc() }
func IncEncoderExit(reason string)  { encoderExitTotal.WithLabelValues(reason).Inc() }
