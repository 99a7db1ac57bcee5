package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(runsFinishedTotal, runDurationSeconds, stageAttemptsTotal, runsReapedTotal) }

var runsFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_runs_finished_total",
		Help: "Workflow runs reaching a terminal state, labeled by status.",
	},
	[]string{"status"}, // 'completed', 'failed', 'cancelled'
)

var runDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pipeline_run_duration_seconds",
		Help:    "End-to-end run duration distribution.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
	[]string{"status"},
)

var stageAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_stage_attempts_total",
		Help: "Stage attempts, labeled by stage and outcome.",
	},
	[]string{"stage", "outcome"},
)

var runsReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pipeline_runs_reaped_total",
		Help: "Terminal runs deleted by the retention reaper.",
	},
)

func ObserveRunFinished(status string, dur time.Duration) {
	runsFinishedTotal.WithLabelValues(norm(status)).Inc()
	runDurationSeconds.WithLabelValues(norm(status)).Observe(dur.Seconds())
}

func IncStageAttempt(stage, outcome string) {
	stageAttemptsTotal.WithLabelValues(norm(stage), norm(outcome)).Inc()
}

func AddRunsReaped(n int) { runsReapedTotal.Add(float64(n)) }
