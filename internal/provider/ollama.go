package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.2"

	// doneReasonLoad is reported when the model was loaded but nothing was
	// generated, which happens for an empty or whitespace-only prompt.
	doneReasonLoad = "load"
)

// Ollama implements domain.Backend over the /api/generate endpoint.
type Ollama struct {
	apiBase      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	Timeout      time.Duration
	MaxConns     int // concurrent requests to the backend host
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	return NewOllamaWithClient(cfg, BackendHTTPClient(cfg.Timeout, cfg.MaxConns))
}

func NewOllamaWithClient(cfg OllamaConfig, client *http.Client) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Ollama{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		defaultModel: cfg.DefaultModel,
		client:       client,
		logger:       cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Model() string { return o.defaultModel }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// Generate runs a single non-streaming completion. A completion that ends
// with done_reason "load" is reported as domain.ErrEmptyPromptRejected so the
// caller can skip delivery; transport and protocol failures wrap
// domain.ErrBackendUnavailable.
func (o *Ollama) Generate(ctx context.Context, req domain.BackendRequest) (*domain.BackendResponse, error) {
	if req.Model == "" {
		req.Model = o.defaultModel
	}
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "application/json")
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out domain.BackendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrBackendUnavailable, err)
	}

	o.logger.Info("ollama generate",
		"model", req.Model,
		"prompt_len", len(req.Prompt),
		"images", len(req.Images),
		"history", len(req.Messages),
		"context_len", len(req.Context),
		"done_reason", out.DoneReason,
		"eval_count", out.EvalCount,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if out.Done && out.DoneReason == doneReasonLoad {
		return &out, domain.ErrEmptyPromptRejected
	}
	return &out, nil
}
