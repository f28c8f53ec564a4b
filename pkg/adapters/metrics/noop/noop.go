// Package noop provides a MetricsCollector that records nothing. It
// keeps tests free of Prometheus registry state.
package noop

import "time"

// Collector discards all metrics.
type Collector struct{}

// NewCollector creates a no-op collector.
func NewCollector() *Collector { return &Collector{} }

func (*Collector) RecordRequestSubmitted()                                {}
func (*Collector) RecordRequestCompleted(status string, d time.Duration)  {}
func (*Collector) RecordStepExecuted(capability, status string, d time.Duration) {}
func (*Collector) RecordLLMTokens(input, output int)                      {}
func (*Collector) RecordWorkerPoolStatus(idle, busy int)                  {}
func (*Collector) RecordStoreConflict()                                   {}
