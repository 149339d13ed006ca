package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the message pipeline, the
// governor and the credit ledger. All collectors register with the default
// registry and are served by the /metrics endpoint.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	MessageCounter *prometheus.CounterVec

	// PipelineRunDuration measures full pipeline runs in seconds.
	// Labels: channel, status (completed|quota_exceeded|routing_error|error)
	PipelineRunDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model and type
	// (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool execution outcomes.
	// Labels: tool, state (completed|failed|rejected)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// PendingApprovals is the number of proposals waiting for review.
	PendingApprovals prometheus.Gauge

	// CreditsConsumed counts credits drawn by bucket.
	CreditsConsumed *prometheus.CounterVec

	// QuotaExceeded counts quota-exhaustion rejections by bucket.
	QuotaExceeded *prometheus.CounterVec

	// IdentityResolutions counts resolver outcomes
	// (linked|deep_link|active|onboarding|created).
	IdentityResolutions *prometheus.CounterVec

	// Deliveries counts outbound deliveries by channel, route and status.
	Deliveries *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error code.
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; use Default for shared access.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		PipelineRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attache_pipeline_run_duration_seconds",
				Help:    "Duration of pipeline runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attache_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_tool_executions_total",
				Help: "Total number of tool execution outcomes by tool and state",
			},
			[]string{"tool", "state"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attache_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		PendingApprovals: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "attache_pending_approvals",
				Help: "Number of tool proposals waiting for human review",
			},
		),

		CreditsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_credits_consumed_total",
				Help: "Credits drawn from the ledger by bucket",
			},
			[]string{"bucket"},
		),

		QuotaExceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_quota_exceeded_total",
				Help: "Operations rejected for quota exhaustion by bucket",
			},
			[]string{"bucket"},
		),

		IdentityResolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_identity_resolutions_total",
				Help: "Identity resolver outcomes",
			},
			[]string{"outcome"},
		),

		Deliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_deliveries_total",
				Help: "Outbound deliveries by channel, route, and status",
			},
			[]string{"channel", "via", "status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attache_errors_total",
				Help: "Total number of errors by component and code",
			},
			[]string{"component", "code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attache_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics set, creating it on first use.
// promauto registers with the global registry, so repeated NewMetrics
// calls would panic; shared access goes through here.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}
