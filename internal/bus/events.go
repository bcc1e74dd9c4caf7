package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Event is a relay lifecycle event.
type Event struct {
	Type    string // e.g. "relay.delivered", "webhook.malformed"
	Source  string // originating component
	Outcome *domain.Outcome
	Payload map[string]any
	// Timestamp defaults to the emit time.
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides topic-based publish/subscribe for lifecycle events.
// It supports wildcard subscriptions and a bounded history for replay.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus keeping up to maxHistory events for replay
// (1000 when maxHistory <= 0).
func NewEventBus(maxHistory int, logger *slog.Logger) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// OnOutcome registers handler for every terminal outcome event. The returned
// IDs can be passed to Off together with their topic via OutcomeTopics.
func (eb *EventBus) OnOutcome(handler func(domain.Outcome)) []string {
	ids := make([]string, 0, len(OutcomeTopics))
	for _, topic := range OutcomeTopics {
		ids = append(ids, eb.On(topic, func(e Event) {
			if e.Outcome != nil {
				handler(*e.Outcome)
			}
		}))
	}
	return ids
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in order; a panicking handler is logged
// and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitOutcome publishes o on the topic matching its state.
func (eb *EventBus) EmitOutcome(source string, o domain.Outcome) {
	eb.Emit(Event{
		Type:      OutcomeTopic(o.State),
		Source:    source,
		Outcome:   &o,
		Timestamp: o.CreatedAt,
	})
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// --- Well-known event types ---
const (
	EventWebhookReceived  = "webhook.received"
	EventWebhookMalformed = "webhook.malformed"
	EventRelayShed        = "relay.shed"
	EventRelayDelivered   = "relay.delivered"
	EventRelaySuppressed  = "relay.suppressed"
	EventRelayFailed      = "relay.failed"
	EventRelayIgnored     = "relay.ignored"
	EventBackendCompleted = "backend.completed"
	EventContextSwept     = "context.swept"
)

// OutcomeTopics lists the topics EmitOutcome publishes on.
var OutcomeTopics = []string{EventRelayDelivered, EventRelaySuppressed, EventRelayFailed, EventRelayIgnored}

// OutcomeTopic maps a terminal state to its topic.
func OutcomeTopic(state domain.TaskState) string {
	return "relay." + string(state)
}
