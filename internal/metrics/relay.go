package metrics

import (
	"fmt"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

var latencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Relay holds the relay's metric families on top of a collector.
type Relay struct {
	c *MetricsCollector

	WebhookUpdates   *Counter
	WebhookMalformed *Counter
	Shed             *Counter
	BackendCalls     *Counter
	EvalTokens       *Counter
	ContextSwept     *Counter
	QueueDepth       *Gauge
	InFlight         *Gauge
	ContextEntries   *Gauge
	BackendLatency   *Histogram
	RelayLatency     *Histogram
}

func NewRelay(c *MetricsCollector) *Relay {
	return &Relay{
		c:                c,
		WebhookUpdates:   c.Counter("relaybot_webhook_updates_total", "Webhook updates received", ""),
		WebhookMalformed: c.Counter("relaybot_webhook_malformed_total", "Webhook bodies that failed to decode", ""),
		Shed:             c.Counter("relaybot_shed_total", "Events shed because a worker queue stayed full", ""),
		BackendCalls:     c.Counter("relaybot_backend_calls_total", "Completed backend generate calls", ""),
		EvalTokens:       c.Counter("relaybot_backend_eval_tokens_total", "Tokens generated by the backend", ""),
		ContextSwept:     c.Counter("relaybot_context_swept_total", "Conversation contexts removed by expiry sweeps", ""),
		QueueDepth:       c.Gauge("relaybot_queue_depth", "Events waiting in worker queues", ""),
		InFlight:         c.Gauge("relaybot_in_flight", "Events currently being processed", ""),
		ContextEntries:   c.Gauge("relaybot_context_entries", "Senders with stored conversation context", ""),
		BackendLatency: c.Histogram("relaybot_backend_latency_seconds", "Backend generate latency in seconds", "",
			latencyBuckets),
		RelayLatency: c.Histogram("relaybot_relay_latency_seconds", "Trigger latency from start to terminal state in seconds", "",
			latencyBuckets),
	}
}

// Outcomes returns the counter for a decision/state pair.
func (m *Relay) Outcomes(decision string, state domain.TaskState) *Counter {
	return m.c.Counter("relaybot_outcomes_total", "Terminal trigger outcomes",
		fmt.Sprintf("decision=%q,state=%q", decision, string(state)))
}

// Errors returns the counter for an error kind.
func (m *Relay) Errors(kind string) *Counter {
	return m.c.Counter("relaybot_errors_total", "Failed or suppressed triggers by error kind",
		fmt.Sprintf("kind=%q", kind))
}

// ObserveOutcome records one terminal outcome.
func (m *Relay) ObserveOutcome(o domain.Outcome) {
	m.Outcomes(o.Decision, o.State).Inc()
	if o.ErrorKind != "" {
		m.Errors(o.ErrorKind).Inc()
	}
	if o.State != domain.StateIgnored {
		m.RelayLatency.Observe(o.Latency.Seconds())
	}
}

// Subscribe wires the metrics to lifecycle events on eb.
func (m *Relay) Subscribe(eb *bus.EventBus) {
	eb.OnOutcome(m.ObserveOutcome)
	eb.On(bus.EventWebhookReceived, func(bus.Event) { m.WebhookUpdates.Inc() })
	eb.On(bus.EventWebhookMalformed, func(bus.Event) { m.WebhookMalformed.Inc() })
	eb.On(bus.EventRelayShed, func(e bus.Event) {
		m.Shed.Inc()
		if e.Outcome != nil {
			m.Errors(e.Outcome.ErrorKind).Inc()
		}
	})
	eb.On(bus.EventBackendCompleted, func(e bus.Event) {
		m.BackendCalls.Inc()
		if d, ok := e.Payload["latency"].(time.Duration); ok {
			m.BackendLatency.Observe(d.Seconds())
		}
		if n, ok := e.Payload["eval_count"].(int); ok {
			m.EvalTokens.Add(int64(n))
		}
	})
	eb.On(bus.EventContextSwept, func(e bus.Event) {
		if n, ok := e.Payload["removed"].(int); ok {
			m.ContextSwept.Add(int64(n))
		}
	})
}

// TrackPool refreshes queue gauges from live pool and store state on every
// scrape.
func (m *Relay) TrackPool(queueDepth, inFlight, contextEntries func() int) {
	m.c.OnScrape(func() {
		m.QueueDepth.Set(int64(queueDepth()))
		m.InFlight.Set(int64(inFlight()))
		m.ContextEntries.Set(int64(contextEntries()))
	})
}
