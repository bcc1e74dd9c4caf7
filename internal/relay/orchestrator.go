package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/memory"
)

// Orchestrator runs one inbound event through classification, attachment
// resolution, request building, generation, context update and delivery.
type Orchestrator struct {
	classifier *Classifier
	resolver   *AttachmentResolver
	builder    *Builder
	backend    domain.Backend
	deliverer  domain.Deliverer
	contexts   *memory.ContextStore
	events     *bus.EventBus
	logger     *slog.Logger
	now        func() time.Time
}

type OrchestratorConfig struct {
	Classifier *Classifier
	Resolver   *AttachmentResolver
	Builder    *Builder
	Backend    domain.Backend
	Deliverer  domain.Deliverer
	Contexts   *memory.ContextStore
	Events     *bus.EventBus // optional
	Logger     *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		classifier: cfg.Classifier,
		resolver:   cfg.Resolver,
		builder:    cfg.Builder,
		backend:    cfg.Backend,
		deliverer:  cfg.Deliverer,
		contexts:   cfg.Contexts,
		events:     cfg.Events,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Handle processes every trigger of ev and returns one outcome per trigger
// (a single ignored outcome when nothing triggers). Errors never escape:
// each is recorded on its outcome.
func (o *Orchestrator) Handle(ctx context.Context, taskID string, ev domain.InboundEvent) []domain.Outcome {
	start := o.now()
	class := o.classifier.Classify(ev)
	triggers := class.Triggers()

	if len(triggers) == 0 {
		out := o.outcome(taskID, ev, domain.Ignore, domain.StateIgnored, nil, start)
		o.logger.Debug("event ignored", "task", taskID, "update_id", ev.UpdateID)
		o.publish(out)
		return []domain.Outcome{out}
	}

	outcomes := make([]domain.Outcome, 0, len(triggers))
	for _, trig := range triggers {
		tStart := o.now()
		state, err := o.runTrigger(ctx, taskID, ev.Message, trig)
		out := o.outcome(taskID, ev, trig.Decision, state, err, tStart)
		o.logOutcome(out, err)
		o.publish(out)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// runTrigger is the per-trigger state machine. A panic anywhere inside is
// converted into a failed state.
func (o *Orchestrator) runTrigger(ctx context.Context, taskID string, msg *domain.MessageEvent, trig domain.Trigger) (state domain.TaskState, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("relay panic", "task", taskID, "decision", trig.Decision.String(),
				"panic", r, "stack", string(debug.Stack()))
			state, err = domain.StateFailed, fmt.Errorf("panic: %v", r)
		}
	}()

	var att *domain.Attachment
	if trig.Decision.IsTextPath() {
		if images := imagesFor(msg); len(images) > 0 {
			a, err := o.resolver.Resolve(ctx, images)
			if err != nil {
				return domain.StateFailed, err
			}
			att = &a
		}
	}

	var prior []int
	if trig.Decision.UsesContext() && att == nil {
		prior, _ = o.contexts.Get(msg.Sender.ID)
	}

	req := o.builder.Build(trig, msg, att, prior)
	o.logger.Info("backend request",
		"task", taskID,
		"decision", trig.Decision.String(),
		"sender_id", msg.Sender.ID,
		"chat_id", msg.ChatID,
		"prompt", req.Prompt,
		"image", att != nil,
		"history", len(req.Messages),
		"context_len", len(req.Context),
	)

	callStart := o.now()
	resp, err := o.backend.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyPromptRejected) {
			return domain.StateSuppressed, err
		}
		return domain.StateFailed, err
	}
	o.emitBackend(resp, o.now().Sub(callStart))

	// Last write wins, including an empty context, which clears the entry.
	if trig.Decision.IsTextPath() {
		o.contexts.Put(msg.Sender.ID, resp.Context)
	}

	if err := o.deliverer.SendText(ctx, msg.ChatID, resp.Response); err != nil {
		if !errors.Is(err, domain.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
		}
		return domain.StateFailed, err
	}
	return domain.StateDelivered, nil
}

func (o *Orchestrator) outcome(taskID string, ev domain.InboundEvent, d domain.TriggerDecision, state domain.TaskState, err error, start time.Time) domain.Outcome {
	now := o.now()
	out := domain.Outcome{
		TaskID:    taskID,
		UpdateID:  ev.UpdateID,
		SenderID:  ev.SenderID(),
		Decision:  d.String(),
		State:     state,
		ErrorKind: domain.ErrorKind(err),
		Latency:   now.Sub(start),
		CreatedAt: now,
	}
	if ev.Message != nil {
		out.ChatID = ev.Message.ChatID
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (o *Orchestrator) logOutcome(out domain.Outcome, err error) {
	attrs := []any{
		"task", out.TaskID,
		"decision", out.Decision,
		"state", out.State,
		"sender_id", out.SenderID,
		"chat_id", out.ChatID,
		"latency_ms", out.Latency.Milliseconds(),
	}
	switch out.State {
	case domain.StateFailed:
		o.logger.Error("relay failed", append(attrs, "kind", out.ErrorKind, "err", err)...)
	case domain.StateSuppressed:
		o.logger.Info("relay suppressed", append(attrs, "kind", out.ErrorKind)...)
	default:
		o.logger.Info("relay delivered", attrs...)
	}
}

func (o *Orchestrator) publish(out domain.Outcome) {
	if o.events != nil {
		o.events.EmitOutcome("orchestrator", out)
	}
}

func (o *Orchestrator) emitBackend(resp *domain.BackendResponse, latency time.Duration) {
	if o.events == nil {
		return
	}
	o.events.Emit(bus.Event{
		Type:   bus.EventBackendCompleted,
		Source: "orchestrator",
		Payload: map[string]any{
			"backend":     o.backend.Name(),
			"model":       resp.Model,
			"done_reason": resp.DoneReason,
			"eval_count":  resp.EvalCount,
			"latency":     latency,
		},
	})
}
