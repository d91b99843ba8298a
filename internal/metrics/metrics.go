// Package metrics exposes Prometheus metrics for the messaging engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the engine. Instances are
// passed explicitly; there is no global registry.
type Metrics struct {
	SendsTotal           *prometheus.CounterVec
	JobsDeferredTotal    prometheus.Counter
	BatchDurationSeconds prometheus.Histogram
	BatchSize            prometheus.Histogram
	CampaignsTotal       *prometheus.CounterVec
	RuleExecutionsTotal  *prometheus.CounterVec

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_sends_total",
				Help: "Total message send attempts by channel and resulting job status",
			},
			[]string{"channel", "status"},
		),
		JobsDeferredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_jobs_deferred_total",
				Help: "Total jobs deferred for retry",
			},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_batch_duration_seconds",
				Help:    "Dispatch batch duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_batch_size",
				Help:    "Number of jobs per dispatched batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		),
		CampaignsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_campaigns_total",
				Help: "Total campaign executions by final status",
			},
			[]string{"status"},
		),
		RuleExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_rule_executions_total",
				Help: "Total automation rule executions by rule type",
			},
			[]string{"type"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.JobsDeferredTotal,
		m.BatchDurationSeconds,
		m.BatchSize,
		m.CampaignsTotal,
		m.RuleExecutionsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CountSend records one send attempt.
func (m *Metrics) CountSend(channel, status string) {
	m.SendsTotal.WithLabelValues(channel, status).Inc()
	if status == "deferred" {
		m.JobsDeferredTotal.Inc()
	}
}

// ObserveBatch records one completed batch.
func (m *Metrics) ObserveBatch(d time.Duration, size int) {
	m.BatchDurationSeconds.Observe(d.Seconds())
	m.BatchSize.Observe(float64(size))
}

// CountCampaign records a campaign reaching a final status.
func (m *Metrics) CountCampaign(status string) {
	m.CampaignsTotal.WithLabelValues(status).Inc()
}

// CountRuleExecution records one rule firing.
func (m *Metrics) CountRuleExecution(ruleType string) {
	m.RuleExecutionsTotal.WithLabelValues(ruleType).Inc()
}

// CountAPIRequest records one handled API request.
func (m *Metrics) CountAPIRequest(method, path string, status int, d time.Duration) {
	m.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(d.Seconds())
}
