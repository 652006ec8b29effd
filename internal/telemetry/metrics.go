package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	RequestTotal         *prometheus.CounterVec
	RequestDurationMs    *prometheus.HistogramVec
	AttemptTotal         *prometheus.CounterVec
	AttemptDurationMs    *prometheus.HistogramVec
	TokensTotal          *prometheus.CounterVec
	FailoverTotal        *prometheus.CounterVec
	QuotaRejectionsTotal *prometheus.CounterVec
	ProviderAvailable    *prometheus.GaugeVec

	reg prometheus.Registerer
}

// NewMetrics creates the metrics and registers them with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orch_request_total",
			Help: "Logical generation requests by final status.",
		}, []string{"status"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orch_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds, across all attempts.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"status"}),

		AttemptTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orch_attempt_total",
			Help: "Execution attempts by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),

		AttemptDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orch_attempt_duration_ms",
			Help:    "Provider latency of a single attempt in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orch_tokens_total",
			Help: "Tokens consumed by successful attempts.",
		}, []string{"provider", "model", "direction"}),

		FailoverTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orch_failover_total",
			Help: "Times a request advanced past a failed candidate.",
		}, []string{"from_provider"}),

		QuotaRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orch_quota_rejections_total",
			Help: "Candidates skipped or refused by quota admission.",
		}, []string{"provider", "model"}),

		ProviderAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orch_provider_available",
			Help: "1 when the provider is usable, else 0.",
		}, []string{"provider"}),

		reg: reg,
	}
}

// AttemptLabels describes one finished execution attempt.
type AttemptLabels struct {
	Provider         string
	Model            string
	Outcome          string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}

// RecordAttempt records metrics for one execution attempt.
func (m *Metrics) RecordAttempt(labels AttemptLabels) {
	m.AttemptTotal.WithLabelValues(labels.Provider, labels.Model, labels.Outcome).Inc()
	m.AttemptDurationMs.WithLabelValues(labels.Provider).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Provider, labels.Model, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Provider, labels.Model, "completion").Add(float64(labels.CompletionTokens))
	}
}

// RecordRequest records the final status of a logical request.
func (m *Metrics) RecordRequest(status string, durationMs float64) {
	m.RequestTotal.WithLabelValues(status).Inc()
	m.RequestDurationMs.WithLabelValues(status).Observe(durationMs)
}

func (m *Metrics) RecordFailover(fromProvider string) {
	m.FailoverTotal.WithLabelValues(fromProvider).Inc()
}

func (m *Metrics) RecordQuotaRejection(provider, model string) {
	m.QuotaRejectionsTotal.WithLabelValues(provider, model).Inc()
}

// SetProviderAvailable publishes a provider's usability.
func (m *Metrics) SetProviderAvailable(provider string, usable bool) {
	v := 0.0
	if usable {
		v = 1
	}
	m.ProviderAvailable.WithLabelValues(provider).Set(v)
}

// RegisterCache exports the cache's counters, read at scrape time.
func (m *Metrics) RegisterCache(c *cache.Cache) {
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orch_cache_entries",
		Help: "Entries currently held by the response cache.",
	}, func() float64 { return float64(c.Len()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "orch_cache_hits_total",
		Help: "Response cache hits.",
	}, func() float64 { return float64(c.Stats().Hits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "orch_cache_misses_total",
		Help: "Response cache misses.",
	}, func() float64 { return float64(c.Stats().Misses) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "orch_cache_evictions_total",
		Help: "Entries evicted because the cache exceeded its size.",
	}, func() float64 { return float64(c.Stats().Evictions) })
}
