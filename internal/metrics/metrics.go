package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue fabric metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue", "job_type"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_jobs_completed_total",
			Help: "Total number of jobs settled",
		},
		[]string{"queue", "job_type", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanforge_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "job_type"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanforge_queue_depth",
			Help: "Number of jobs waiting in each queue",
		},
		[]string{"queue"},
	)

	QueueInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanforge_queue_in_flight",
			Help: "Number of jobs currently executing per queue",
		},
		[]string{"queue"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanforge_rate_limit_wait_seconds",
			Help:    "Time jobs spend waiting for a rate-limit token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"queue"},
	)

	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_runs_completed_total",
			Help: "Total number of research runs reaching a terminal phase",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanforge_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_phase_transitions_total",
			Help: "Total number of phase transitions",
		},
		[]string{"from", "to"},
	)

	ResearchIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanforge_research_iterations",
			Help:    "Gather/reflect iterations per run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	// Evidence metrics
	EvidenceCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_evidence_collected_total",
			Help: "Total number of evidence items collected",
		},
		[]string{"source_type"},
	)

	EvidenceScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanforge_evidence_scored_total",
			Help: "Total number of evidence items scored by the evaluator",
		},
		[]string{"status"},
	)

	// State store metrics
	StateCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_state_cache_hits_total",
			Help: "Total number of run-state local cache hits",
		},
	)

	StateCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanforge_state_cache_misses_total",
			Help: "Total number of run-state local cache misses",
		},
	)
)

// RecordJobSettled records completion metrics for a settled job.
func RecordJobSettled(queue, jobType, status string, durationSeconds float64) {
	JobsCompleted.WithLabelValues(queue, jobType, status).Inc()
	JobDuration.WithLabelValues(queue, jobType).Observe(durationSeconds)
}

// RecordRunTerminal records a run reaching completed or failed.
func RecordRunTerminal(status string, durationSeconds float64, iterations int) {
	RunsCompleted.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		RunDuration.Observe(durationSeconds)
	}
	ResearchIterations.Observe(float64(iterations))
}
