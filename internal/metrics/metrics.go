// Package metrics defines the engine telemetry surface.
package metrics

import (
	"time"
)

// Metrics is implemented by Prometheus and NoopMetrics.
type Metrics interface {
	// Queue
	IncEventsEnqueued(eventType string)
	IncBatchSent(transport string, events int)
	IncBatchDropped(transport, reason string)
	IncDeliveryRetry(transport string)
	ObserveDeliveryLatency(transport string, duration time.Duration)
	SetQueueDepth(depth int)

	// Rule engine
	IncTriggerFired(kind string)
	IncExecutionState(state string)
	IncFrequencyDenied(policy string)
	IncActionResult(kind, status string)
	IncWebhookFailure(status int, fatal bool)

	// Funnels and storage
	IncFunnelEvent(funnelID, kind string)
	IncStorageFault(op, scope string)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (m *NoopMetrics) IncEventsEnqueued(eventType string) {}
func (m *NoopMetrics) IncBatchSent(transport string, events int) {}
func (m *NoopMetrics) IncBatchDropped(transport, reason string) {}
func (m *NoopMetrics) IncDeliveryRetry(transport string) {}
func (m *NoopMetrics) ObserveDeliveryLatency(string, time.Duration) {}
func (m *NoopMetrics) SetQueueDepth(depth int) {}
func (m *NoopMetrics) IncTriggerFired(kind string) {}
func (m *NoopMetrics) IncExecutionState(state string) {}
func (m *NoopMetrics) IncFrequencyDenied(policy string) {}
func (m *NoopMetrics) IncActionResult(kind, status string) {}
func (m *NoopMetrics) IncWebhookFailure(status int, fatal bool) {}
func (m *NoopMetrics) IncFunnelEvent(funnelID, kind string) {}
func (m *NoopMetrics) IncStorageFault(op, scope string) {}

// OrNoop returns m, or a NoopMetrics when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}
