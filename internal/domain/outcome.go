package domain

import (
	"context"
	"time"
)

// TaskState is the terminal (or current) state of one unit of work.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateRunning    TaskState = "running"
	StateDelivered  TaskState = "delivered"
	StateSuppressed TaskState = "suppressed"
	StateFailed     TaskState = "failed"
	StateIgnored    TaskState = "ignored"
)

// Outcome records how one trigger of one inbound event ended.
type Outcome struct {
	TaskID    string        `json:"task_id"`
	UpdateID  int           `json:"update_id"`
	SenderID  int64         `json:"sender_id"`
	ChatID    int64         `json:"chat_id"`
	Decision  string        `json:"decision"`
	State     TaskState     `json:"state"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CreatedAt time.Time     `json:"created_at"`
}

// OutcomeJournal persists outcomes for later inspection.
type OutcomeJournal interface {
	Record(ctx context.Context, o Outcome) error
	Recent(ctx context.Context, limit int, failedOnly bool) ([]Outcome, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
