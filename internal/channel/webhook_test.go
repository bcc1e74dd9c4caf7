package channel

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/relay"
)

func testWebhookLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakePool struct {
	mu        sync.Mutex
	submitted []domain.InboundEvent
	err       error
	tasks     []relay.Task
}

func (f *fakePool) Submit(ev domain.InboundEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, ev)
	return "task", f.err
}

func (f *fakePool) QueueDepth() int { return 3 }
func (f *fakePool) InFlight() int   { return 1 }
func (f *fakePool) Workers() int    { return 4 }

func (f *fakePool) List(limit int) []relay.Task {
	if limit > 0 && limit < len(f.tasks) {
		return f.tasks[:limit]
	}
	return f.tasks
}

func newTestWebhook(pool *fakePool, eb *bus.EventBus) *Webhook {
	return NewWebhook(WebhookConfig{
		Path:        "/",
		MetricsPath: "/metrics",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "relaybot_up 1\n")
		}),
		Pool:   pool,
		Events: eb,
		Logger: testWebhookLogger(),
	})
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestWebhook_AcknowledgesAndQueuesUpdates(t *testing.T) {
	pool := &fakePool{}
	eb := bus.NewEventBus(0, testWebhookLogger())
	w := newTestWebhook(pool, eb)

	rec := post(t, w.Handler(), "/", `{"update_id":5,"message":{"message_id":1,"date":0,"from":{"id":42,"is_bot":false,"first_name":"A"},"chat":{"id":42,"type":"private"},"text":"hi"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "200", rec.Body.String())
	require.Len(t, pool.submitted, 1)
	assert.Equal(t, 5, pool.submitted[0].UpdateID)
	assert.Equal(t, "hi", pool.submitted[0].Message.Text)
	assert.False(t, pool.submitted[0].ReceivedAt.IsZero())
	assert.Len(t, eb.Replay(bus.EventWebhookReceived, time.Time{}), 1)
}

func TestWebhook_MalformedBodyStillAcknowledged(t *testing.T) {
	pool := &fakePool{}
	eb := bus.NewEventBus(0, testWebhookLogger())
	w := newTestWebhook(pool, eb)

	for _, body := range []string{`{"update_id":`, ``, `[]`, strings.Repeat("x", maxBodyBytes+10)} {
		rec := post(t, w.Handler(), "/", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "200", rec.Body.String())
	}
	assert.Empty(t, pool.submitted)
	assert.Len(t, eb.Replay(bus.EventWebhookMalformed, time.Time{}), 4)
}

func TestWebhook_ShedUpdateStillAcknowledged(t *testing.T) {
	pool := &fakePool{err: domain.ErrQueueFull}
	w := newTestWebhook(pool, nil)

	rec := post(t, w.Handler(), "/", `{"update_id":1,"inline_query":{"id":"q","from":{"id":1,"is_bot":false,"first_name":"x"},"query":"hi","offset":""}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "200", rec.Body.String())
	assert.Len(t, pool.submitted, 1)
}

func TestWebhook_CustomPath(t *testing.T) {
	pool := &fakePool{}
	w := NewWebhook(WebhookConfig{Path: "/telegram/hook", Pool: pool, Logger: testWebhookLogger()})

	rec := post(t, w.Handler(), "/telegram/hook", `{"update_id":1}`)
	assert.Equal(t, "200", rec.Body.String())
	assert.Len(t, pool.submitted, 1)

	rec = post(t, w.Handler(), "/", `{"update_id":2}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, pool.submitted, 1)
}

func TestWebhook_Health(t *testing.T) {
	w := newTestWebhook(&fakePool{}, nil)

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, healthResponse{Status: "ok", QueueDepth: 3, InFlight: 1, Workers: 4}, got)
}

func TestWebhook_Tasks(t *testing.T) {
	pool := &fakePool{tasks: []relay.Task{
		{ID: "b", Status: domain.StateDelivered},
		{ID: "a", Status: domain.StateFailed, Error: "boom"},
	}}
	w := newTestWebhook(pool, nil)

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []relay.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_Metrics(t *testing.T) {
	w := newTestWebhook(&fakePool{}, nil)

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "relaybot_up 1\n", rec.Body.String())
}

func TestWebhook_Addr(t *testing.T) {
	w := NewWebhook(WebhookConfig{Host: "127.0.0.1", Pool: &fakePool{}})
	assert.Equal(t, "127.0.0.1:1400", w.Addr())
}
