package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Investigation service metrics for production monitoring
var (
	// Investigation metrics
	InvestigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_investigations_total",
			Help: "Total number of investigations finished, by terminal status",
		},
		[]string{"status"},
	)

	InvestigationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metric_explorer_investigation_duration_seconds",
			Help:    "Investigation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
	)

	ActiveInvestigations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metric_explorer_active_investigations",
			Help: "Number of investigations currently running",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metric_explorer_stage_duration_seconds",
			Help:    "Workflow stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"stage"},
	)

	HypothesisOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_hypothesis_outcomes_total",
			Help: "Hypotheses investigated, by outcome",
		},
		[]string{"outcome"},
	)

	AgentTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metric_explorer_agent_turns",
			Help:    "Agent turns used per hypothesis investigation",
			Buckets: prometheus.LinearBuckets(1, 1, 20),
		},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_llm_retries_total",
			Help: "Total number of retried LLM API requests",
		},
		[]string{"provider", "model"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_llm_cost_usd_total",
			Help: "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metric_explorer_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Memory store metrics
	MemoryStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_memory_store_operations_total",
			Help: "External memory store operations, by backend and status",
		},
		[]string{"backend", "status"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_explorer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "code"},
	)
)
