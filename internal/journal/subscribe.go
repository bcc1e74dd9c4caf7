package journal

import (
	"context"
	"log/slog"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const recordTimeout = 5 * time.Second

// Subscribe records delivered, suppressed, failed and shed outcomes from eb
// into j. Ignored events are not journaled.
func Subscribe(eb *bus.EventBus, j domain.OutcomeJournal, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	record := func(o domain.Outcome) {
		if o.State == domain.StateIgnored {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.Record(ctx, o); err != nil {
			logger.Error("journal record failed", "task", o.TaskID, "err", err)
		}
	}
	eb.OnOutcome(record)
	eb.On(bus.EventRelayShed, func(e bus.Event) {
		if e.Outcome != nil {
			record(*e.Outcome)
		}
	})
}
