package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/relay"
	"relaybot/internal/telegram"
)

const maxBodyBytes = 1 << 20

// ackBody is returned for every inbound update, whatever happens to it.
const ackBody = "200"

// Pool is the part of the relay pool the webhook drives and reports on.
type Pool interface {
	Submit(ev domain.InboundEvent) (string, error)
	QueueDepth() int
	InFlight() int
	Workers() int
	List(limit int) []relay.Task
}

// WebhookConfig configures the webhook server.
type WebhookConfig struct {
	Host        string
	Port        int
	Path        string // inbound update path (default: /)
	MetricsPath string // empty disables the metrics route
	Metrics     http.Handler
	Pool        Pool
	Events      *bus.EventBus // optional
	Logger      *slog.Logger
}

// Webhook receives Telegram updates over HTTP and hands them to the pool.
type Webhook struct {
	cfg    WebhookConfig
	router *mux.Router
	stream *EventStream
	server *http.Server
	logger *slog.Logger
	now    func() time.Time
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Port == 0 {
		cfg.Port = 1400
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Webhook{cfg: cfg, logger: cfg.Logger, now: time.Now}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/tasks", w.handleTasks).Methods(http.MethodGet)
	if cfg.Events != nil {
		w.stream = NewEventStream(cfg.Events, cfg.Logger)
		r.Handle("/events", w.stream).Methods(http.MethodGet)
	}
	if cfg.MetricsPath != "" && cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, cfg.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc(cfg.Path, w.handleUpdate).Methods(http.MethodPost)
	w.router = r
	return w
}

func (w *Webhook) Name() string { return "webhook" }

// Handler exposes the router, mainly for tests.
func (w *Webhook) Handler() http.Handler { return w.router }

// Close disconnects event stream clients.
func (w *Webhook) Close() {
	if w.stream != nil {
		w.stream.Close()
	}
}

func (w *Webhook) Addr() string {
	return net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
}

// Start serves until ctx is cancelled, then shuts the server down.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.Addr(),
		Handler:           w.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", w.Addr(), "path", w.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		w.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// handleUpdate acknowledges before any work happens: the body is decoded and
// queued, and the response is always 200 "200".
func (w *Webhook) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rw, ackBody)
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.logger.Warn("webhook body read failed", "err", err)
		return
	}

	ev, err := telegram.Decode(body, w.now())
	if err != nil {
		w.logger.Warn("malformed webhook update", "kind", domain.ErrorKind(err), "err", err, "bytes", len(body))
		w.emit(bus.EventWebhookMalformed, map[string]any{"error": err.Error(), "bytes": len(body)})
		return
	}

	w.emit(bus.EventWebhookReceived, map[string]any{"update_id": ev.UpdateID, "sender_id": ev.SenderID()})
	w.logger.Debug("webhook update received", "update_id", ev.UpdateID, "sender_id", ev.SenderID())

	if _, err := w.cfg.Pool.Submit(ev); err != nil {
		w.logger.Warn("webhook update not queued", "update_id", ev.UpdateID, "err", err)
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int    `json:"in_flight"`
	Workers    int    `json:"workers"`
}

func (w *Webhook) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, healthResponse{
		Status:     "ok",
		QueueDepth: w.cfg.Pool.QueueDepth(),
		InFlight:   w.cfg.Pool.InFlight(),
		Workers:    w.cfg.Pool.Workers(),
	})
}

func (w *Webhook) handleTasks(rw http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	writeJSON(rw, http.StatusOK, w.cfg.Pool.List(limit))
}

func (w *Webhook) emit(eventType string, payload map[string]any) {
	if w.cfg.Events != nil {
		w.cfg.Events.Emit(bus.Event{Type: eventType, Source: "webhook", Payload: payload})
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
