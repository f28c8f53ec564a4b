// Package prometheus provides the MetricsCollector backed by the
// Prometheus client library. Metrics are served from /metrics on the
// HTTP API.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus.
type Collector struct {
	requestsSubmitted prometheus.Counter
	requestsCompleted *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	stepsExecuted     *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	llmTokens         *prometheus.CounterVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	storeConflicts    prometheus.Counter
}

// NewCollector creates a Prometheus metrics collector registered on
// the default registry.
func NewCollector() *Collector {
	return &Collector{
		requestsSubmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "errand_requests_submitted_total",
				Help: "Total number of requests submitted",
			},
		),
		requestsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errand_requests_completed_total",
				Help: "Total number of requests reaching a terminal status",
			},
			[]string{"status"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "errand_request_duration_seconds",
				Help:    "Request end-to-end duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		stepsExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errand_steps_executed_total",
				Help: "Total number of plan steps executed",
			},
			[]string{"capability", "status"},
		),
		stepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "errand_step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"capability"},
		),
		llmTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errand_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"type"},
		),
		workerPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "errand_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "errand_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		storeConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "errand_store_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts",
			},
		),
	}
}

// RecordRequestSubmitted counts one accepted request.
func (c *Collector) RecordRequestSubmitted() {
	c.requestsSubmitted.Inc()
}

// RecordRequestCompleted counts one terminal request with its duration.
func (c *Collector) RecordRequestCompleted(status string, duration time.Duration) {
	c.requestsCompleted.WithLabelValues(status).Inc()
	c.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepExecuted counts one finished step with its duration.
func (c *Collector) RecordStepExecuted(capability, status string, duration time.Duration) {
	c.stepsExecuted.WithLabelValues(capability, status).Inc()
	c.stepDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordLLMTokens counts token usage by direction.
func (c *Collector) RecordLLMTokens(input, output int) {
	c.llmTokens.WithLabelValues("input").Add(float64(input))
	c.llmTokens.WithLabelValues("output").Add(float64(output))
}

// RecordWorkerPoolStatus updates the worker pool gauges.
func (c *Collector) RecordWorkerPoolStatus(idle, busy int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
}

// RecordStoreConflict counts one lost optimistic write.
func (c *Collector) RecordStoreConflict() {
	c.storeConflicts.Inc()
}
