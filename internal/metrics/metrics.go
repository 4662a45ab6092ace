package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_provider_calls_total",
			Help: "Outbound AI provider calls by status code",
		},
		[]string{"provider", "model", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyforge_provider_call_duration_seconds",
			Help:    "Wall-clock duration of outbound AI provider calls",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_provider_errors_total",
			Help: "Failed AI provider calls by failure class",
		},
		[]string{"provider", "error_type"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_tokens_total",
			Help: "Prompt and completion tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	ImagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_images_total",
			Help: "Images sent to and produced by image models",
		},
		[]string{"provider", "model", "direction"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_cost_usd_total",
			Help: "Accumulated AI spend in USD by item type",
		},
		[]string{"provider", "model", "item_type"},
	)

	UsageEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_usage_entries_total",
			Help: "Usage log entries written",
		},
		[]string{"item_type", "outcome"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_jobs_processed_total",
			Help: "Background jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyforge_job_duration_seconds",
			Help:    "Background job handler duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"kind"},
	)

	ModerationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_moderation_checks_total",
			Help: "Moderation checks by verdict",
		},
		[]string{"verdict", "cached"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storyforge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_rate_limit_hits_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
		[]string{"route"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storyforge_budget_usage_ratio",
			Help: "Monthly spend divided by the per-user budget",
		},
		[]string{"user_id"},
	)
)

func RecordProviderCall(provider, model, status string, durationSec float64) {
	ProviderCalls.WithLabelValues(provider, model, status).Inc()
	ProviderLatency.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordTokens(provider, model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func RecordImages(provider, model string, inputImages, outputImages int) {
	ImagesTotal.WithLabelValues(provider, model, "input").Add(float64(inputImages))
	ImagesTotal.WithLabelValues(provider, model, "output").Add(float64(outputImages))
}

func RecordCost(provider, model, itemType string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	CostTotal.WithLabelValues(provider, model, itemType).Add(costUSD)
}

func RecordUsageEntry(itemType string, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	UsageEntries.WithLabelValues(itemType, outcome).Inc()
}

func RecordJob(kind, result string, durationSec float64) {
	JobsProcessed.WithLabelValues(kind, result).Inc()
	JobDuration.WithLabelValues(kind).Observe(durationSec)
}

func RecordModeration(flagged, cached bool) {
	verdict := "allowed"
	if flagged {
		verdict = "flagged"
	}
	c := "false"
	if cached {
		c = "true"
	}
	ModerationChecks.WithLabelValues(verdict, c).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordRateLimitHit(route string) {
	RateLimitHits.WithLabelValues(route).Inc()
}

func SetBudgetUsage(userID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(userID).Set(ratio)
}
