package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus records engine metrics on a prometheus registry.
type Prometheus struct {
	eventsEnqueued  *prometheus.CounterVec
	batchesSent     *prometheus.CounterVec
	eventsSent      *prometheus.CounterVec
	batchesDropped  *prometheus.CounterVec
	deliveryRetries *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	triggersFired   *prometheus.CounterVec
	executionStates *prometheus.CounterVec
	frequencyDenied *prometheus.CounterVec
	actionResults   *prometheus.CounterVec
	webhookFailures *prometheus.CounterVec
	funnelEvents    *prometheus.CounterVec
	storageFaults   *prometheus.CounterVec
}

var _ Metrics = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_enqueued_total",
			Help: "The total number of tracked events accepted by the queue",
		}, []string{"event_type"}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_batches_sent_total",
			Help: "The total number of batches delivered",
		}, []string{"transport"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_sent_total",
			Help: "The total number of events delivered",
		}, []string{"transport"}),
		batchesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_batches_dropped_total",
			Help: "The total number of batches dropped after retry exhaustion",
		}, []string{"transport", "reason"}),
		deliveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_delivery_retries_total",
			Help: "The total number of batch delivery retries",
		}, []string{"transport"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "beacon_delivery_latency_seconds",
			Help: "The latency of batch delivery including retries",
		}, []string{"transport"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_queue_depth",
			Help: "The number of events waiting in the pending batch",
		}),
		triggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_triggers_fired_total",
			Help: "The total number of fired triggers",
		}, []string{"kind"}),
		executionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_execution_transitions_total",
			Help: "The total number of workflow execution state transitions",
		}, []string{"state"}),
		frequencyDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_frequency_denied_total",
			Help: "The total number of executions denied by the frequency policy",
		}, []string{"policy"}),
		actionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_action_results_total",
			Help: "The total number of dispatched actions by outcome",
		}, []string{"kind", "status"}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_webhook_failures_total",
			Help: "The total number of failed webhook attempts",
		}, []string{"status", "fatal"}),
		funnelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_funnel_events_total",
			Help: "The total number of funnel steps, conversions and drop-offs",
		}, []string{"funnel", "kind"}),
		storageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_storage_faults_total",
			Help: "The total number of absorbed storage faults",
		}, []string{"op", "scope"}),
	}

	for _, c := range []prometheus.Collector{
		p.eventsEnqueued, p.batchesSent, p.eventsSent, p.batchesDropped,
		p.deliveryRetries, p.deliveryLatency, p.queueDepth,
		p.triggersFired, p.executionStates, p.frequencyDenied, p.actionResults,
		p.webhookFailures, p.funnelEvents, p.storageFaults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) IncEventsEnqueued(eventType string) {
	p.eventsEnqueued.WithLabelValues(eventType).Inc()
}

func (p *Prometheus) IncBatchSent(transport string, events int) {
	p.batchesSent.WithLabelValues(transport).Inc()
	p.eventsSent.WithLabelValues(transport).Add(float64(events))
}

func (p *Prometheus) IncBatchDropped(transport, reason string) {
	p.batchesDropped.WithLabelValues(transport, reason).Inc()
}

func (p *Prometheus) IncDeliveryRetry(transport string) {
	p.deliveryRetries.WithLabelValues(transport).Inc()
}

func (p *Prometheus) ObserveDeliveryLatency(transport string, duration time.Duration) {
	p.deliveryLatency.WithLabelValues(transport).Observe(duration.Seconds())
}

func (p *Prometheus) SetQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *Prometheus) IncTriggerFired(kind string) {
	p.triggersFired.WithLabelValues(kind).Inc()
}

func (p *Prometheus) IncExecutionState(state string) {
	p.executionStates.WithLabelValues(state).Inc()
}

func (p *Prometheus) IncFrequencyDenied(policy string) {
	p.frequencyDenied.WithLabelValues(policy).Inc()
}

func (p *Prometheus) IncActionResult(kind, status string) {
	p.actionResults.WithLabelValues(kind, status).Inc()
}

func (p *Prometheus) IncWebhookFailure(status int, fatal bool) {
	p.webhookFailures.WithLabelValues(strconv.Itoa(status), strconv.FormatBool(fatal)).Inc()
}

func (p *Prometheus) IncFunnelEvent(funnelID, kind string) {
	p.funnelEvents.WithLabelValues(funnelID, kind).Inc()
}

func (p *Prometheus) IncStorageFault(op, scope string) {
	p.storageFaults.WithLabelValues(op, scope).Inc()
}
