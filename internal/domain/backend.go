package domain

import (
	"context"
	"time"
)

// Backend is the generate-text RPC.
type Backend interface {
	Generate(ctx context.Context, req BackendRequest) (*BackendResponse, error)
	Healthy(ctx context.Context) error
	Name() string
}

// HistoryMessage is a prior turn passed to the backend for reply-thread
// continuation.
type HistoryMessage struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BackendRequest is a single generation call. Context and Messages are never
// both populated, and requests carrying Images never carry Context.
type BackendRequest struct {
	Model    string           `json:"model"`
	Prompt   string           `json:"prompt"`
	Stream   bool             `json:"stream"`
	Context  []int            `json:"context,omitempty"`
	Images   []string         `json:"images,omitempty"`
	Messages []HistoryMessage `json:"messages,omitempty"`
}

type BackendResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Response   string    `json:"response"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason"`
	Context    []int     `json:"context"`

	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int   `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}
