// Package notify fans relay outcomes out to a message broker.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const (
	OutcomeEventType = "relaybot.outcome.v1"
	publishTimeout   = 5 * time.Second
)

// Notifier publishes outcomes asynchronously so that relay workers never
// wait on the broker. When its buffer is full, outcomes are dropped.
type Notifier struct {
	pub      Publisher
	prefix   string
	producer string
	queue    chan domain.Outcome
	logger   *slog.Logger

	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	stopped bool
}

type Config struct {
	RoutingPrefix string
	Producer      string
	Buffer        int
	Logger        *slog.Logger
}

func New(pub Publisher, cfg Config) *Notifier {
	if cfg.RoutingPrefix == "" {
		cfg.RoutingPrefix = "relaybot.outcome"
	}
	if cfg.Producer == "" {
		cfg.Producer = "relaybot"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Notifier{
		pub:      pub,
		prefix:   cfg.RoutingPrefix,
		producer: cfg.Producer,
		queue:    make(chan domain.Outcome, cfg.Buffer),
		logger:   cfg.Logger,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Subscribe forwards every terminal outcome and every shed event from eb.
// Ignored events are not forwarded.
func (n *Notifier) Subscribe(eb *bus.EventBus) {
	eb.OnOutcome(func(o domain.Outcome) {
		if o.State != domain.StateIgnored {
			n.Notify(o)
		}
	})
	eb.On(bus.EventRelayShed, func(e bus.Event) {
		if e.Outcome != nil {
			n.Notify(*e.Outcome)
		}
	})
}

// Notify queues o for publishing without blocking.
func (n *Notifier) Notify(o domain.Outcome) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return
	}
	select {
	case n.queue <- o:
	default:
		n.logger.Warn("notify buffer full, dropping outcome", "task", o.TaskID, "state", o.State)
	}
}

// RoutingKey is "<prefix>.<state>".
func (n *Notifier) RoutingKey(o domain.Outcome) string {
	return n.prefix + "." + string(o.State)
}

func (n *Notifier) envelope(o domain.Outcome) Envelope {
	taskID := o.TaskID
	producer := n.producer
	ts := o.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		Meta: Meta{
			CorrelationID: &taskID,
			ID:            uuid.NewString(),
			Producer:      &producer,
			Time:          ts.UTC(),
			Type:          OutcomeEventType,
		},
		Data: o,
	}
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for o := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := n.pub.Publish(ctx, n.RoutingKey(o), n.envelope(o)); err != nil {
			n.logger.Error("notify publish failed", "task", o.TaskID, "err", err)
		}
		cancel()
	}
}

// Close flushes queued outcomes and closes the publisher.
func (n *Notifier) Close() error {
	var err error
	n.once.Do(func() {
		n.mu.Lock()
		n.stopped = true
		close(n.queue)
		n.mu.Unlock()
		n.wg.Wait()
		err = n.pub.Close()
	})
	return err
}
