package schedule

import (
	"context"
	"log/slog"
	"time"

	"relaybot/internal/bus"
)

// Job names used by the relay.
const (
	JobContextSweep = "context-sweep"
	JobJournalPrune = "journal-prune"
	JobTaskClean    = "task-clean"
)

type Sweeper interface {
	Sweep() int
}

type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type Cleaner interface {
	Clean(maxAge time.Duration) int
}

// SweepContexts drops expired context entries and reports the count on the
// bus as context.swept.
func SweepContexts(store Sweeper, eb *bus.EventBus) Job {
	return func(ctx context.Context) error {
		removed := store.Sweep()
		if eb != nil {
			eb.Emit(bus.Event{
				Type:    bus.EventContextSwept,
				Source:  JobContextSweep,
				Payload: map[string]any{"removed": removed},
			})
		}
		return nil
	}
}

// PruneJournal deletes journal rows older than retention.
func PruneJournal(p Pruner, retention time.Duration, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		_, err := p.Prune(ctx, now().Add(-retention))
		return err
	}
}

// CleanTasks forgets finished task records older than maxAge.
func CleanTasks(c Cleaner, maxAge time.Duration, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		if n := c.Clean(maxAge); n > 0 {
			logger.Debug("task records cleaned", "removed", n)
		}
		return nil
	}
}
