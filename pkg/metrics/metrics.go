// Package metrics exposes the Prometheus instrumentation for the job
// queue core: per-job-name throughput, duration, queue depth, and ghost
// counts. Lifted out of the teacher's cmd/worker main into its own
// package and relabeled from task-type to job-name + outcome.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts terminal and transient outcomes by job name.
	// Labels: name, outcome (the job's new state: "SUCCESS", "RETRY",
	// "GHOST", "FAIL").
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goqueue_jobs_total",
		Help: "Total number of job outcomes recorded by the Outcome Processor",
	}, []string{"name", "outcome"})

	// JobDuration tracks per-attempt processing latency in seconds.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "goqueue_job_duration_seconds",
		Help:    "Duration of a single job process attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})

	// QueueDepth tracks the number of ids waiting in each Redis list/set.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goqueue_queue_depth",
		Help: "Number of job ids currently queued",
	}, []string{"queue"})

	// GhostTotal counts ghost (timeout) outcomes by job name.
	GhostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goqueue_ghost_total",
		Help: "Total number of process attempts that ghosted (timed out)",
	}, []string{"name"})

	// InFlight tracks the current number of jobs held by a Worker Loop.
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goqueue_inflight_jobs",
		Help: "Number of jobs currently leased by a worker loop",
	}, []string{"name"})
)
