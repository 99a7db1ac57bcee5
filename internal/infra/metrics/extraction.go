package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(extractionBatchesTotal, extractionTierTotal, extractionBatchSeconds) }

var extractionBatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "extraction_batches_total",
		Help: "Extraction batch dispatches, labeled by final batch status.",
	},
	[]string{"status"}, // 'done', 'failed'
)

var extractionTierTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "extraction_tier_total",
		Help: "Extractions by the tier that produced the final result.",
	},
	[]string{"tier"}, // 'primary', 'text_fallback', 'synthetic'
)

var extractionBatchSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "extraction_batch_seconds",
		Help:    "Per-batch extraction call latency.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
	},
)

func IncExtractionBatch(status string, dur time.Duration) {
	extractionBatchesTotal.WithLabelValues(norm(status)).Inc()
	extractionBatchSeconds.Observe(dur.Seconds())
}

func IncExtractionTier(tier string) {
	extractionTierTotal.WithLabelValues(norm(tier)).Inc()
}
