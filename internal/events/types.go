// Package events defines the telemetry records delivered to the collector.
package events

import (
	"time"
)

// Event types emitted by the engine itself. Hosts may track any other type.
const (
	TypePageView         = "pageview"
	TypeClick            = "click"
	TypeWorkflowExecuted = "workflow_executed"
	TypeWorkflowFailed   = "workflow_failed"
	TypeFunnelStep       = "funnel_step"
	TypeFunnelConversion = "funnel_conversion"
	TypeFunnelDropOff    = "funnel_dropoff"
	TypeCustom           = "custom"
)

// TrackedEvent is immutable once created. The queue owns it until it is
// delivered or dropped.
type TrackedEvent struct {
	WebsiteID  string         `json:"websiteId"`
	VisitorID  string         `json:"visitorId"`
	SessionID  string         `json:"sessionId"`
	EventType  string         `json:"eventType"`
	Page       string         `json:"page"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Batch is the body of one delivery request.
type Batch struct {
	Events []TrackedEvent `json:"events"`
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Events)
}
