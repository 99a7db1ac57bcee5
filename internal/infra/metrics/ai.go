package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(analysisTokensIn, analysisTokensOut, analysisLatencyMs) }

var analysisTokensIn = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analysis_tokens_in",
		Help: "Sum of prompt (input) tokens per provider/model.",
	},
	[]string{"provider", "model"},
)

var analysisTokensOut = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analysis_tokens_out",
		Help: "Sum of completion (output) tokens per provider/model.",
	},
	[]string{"provider", "model"},
)

var analysisLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "analysis_calls_latency_ms",
		Help:    "LLM analysis call latency distribution in milliseconds.",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
	[]string{"provider", "model", "success"},
)

func ObserveAnalysisCall(provider, model string, tokensIn, tokensOut, latencyMs int, success bool) {
	p, m := norm(provider), norm(model)
	analysisTokensIn.WithLabelValues(p, m).Add(float64(tokensIn))
	analysisTokensOut.WithLabelValues(p, m).Add(float64(tokensOut))
	analysisLatencyMs.WithLabelValues(p, m, strconv.FormatBool(success)).Observe(float64(latencyMs))
}
