// Package metrics exposes Prometheus counters and histograms for workflow
// executions and LLM calls.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	executionsTotal   *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	llmRequestsTotal  *prometheus.CounterVec
	llmRetriesTotal   *prometheus.CounterVec
	terminationsTotal *prometheus.CounterVec

	windowFailRate *prometheus.GaugeVec
	windowCostUSD  prometheus.Gauge
	reviewPending  prometheus.Gauge
)

// LLM request outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeCanceled    = "canceled"
	OutcomeUnavailable = "unavailable"
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		executionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesmith_executions_total",
				Help: "Finished workflow executions by terminal status.",
			},
			[]string{"status"},
		)

		stageDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rulesmith_stage_duration_seconds",
				Help:    "Duration of workflow stages in seconds.",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		)

		llmRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesmith_llm_requests_total",
				Help: "LLM chat requests by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		llmRetriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesmith_llm_retries_total",
				Help: "Retried LLM attempts by provider.",
			},
			[]string{"provider"},
		)

		terminationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesmith_terminations_total",
				Help: "Graceful early stops by termination reason.",
			},
			[]string{"reason"},
		)

		windowFailRate = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rulesmith_window_fail_ratio",
				Help: "Failed share of finished executions in the monitoring window.",
			},
			[]string{"window"},
		)

		windowCostUSD = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulesmith_window_llm_cost_usd",
			Help: "Estimated LLM spend in the monitoring window.",
		})

		reviewPending = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulesmith_review_queue_pending",
			Help: "Rules awaiting analyst review.",
		})

		prometheus.MustRegister(
			executionsTotal,
			stageDuration,
			llmRequestsTotal,
			llmRetriesTotal,
			terminationsTotal,
			windowFailRate,
			windowCostUSD,
			reviewPending,
		)

		for _, status := range []string{"completed", "failed"} {
			executionsTotal.WithLabelValues(status)
		}
	})
}

// IncExecution counts an execution reaching a terminal status.
func IncExecution(status string) {
	Init()
	executionsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a stage ran.
func ObserveStage(stage string, d time.Duration) {
	Init()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncLLMRequest counts one logical chat request.
func IncLLMRequest(provider, outcome string) {
	Init()
	llmRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// IncLLMRetry counts one retried attempt.
func IncLLMRetry(provider string) {
	Init()
	llmRetriesTotal.WithLabelValues(provider).Inc()
}

// IncTermination counts a graceful stop.
func IncTermination(reason string) {
	Init()
	terminationsTotal.WithLabelValues(reason).Inc()
}

// SetWindowHealth publishes the latest monitoring snapshot.
func SetWindowHealth(window time.Duration, failRatio, costUSD float64, pending int) {
	Init()
	windowFailRate.WithLabelValues(window.String()).Set(failRatio)
	windowCostUSD.Set(costUSD)
	reviewPending.Set(float64(pending))
}
