package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForClients(t *testing.T, w *Webhook, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return w.stream.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream_ForwardsFilteredEvents(t *testing.T) {
	eb := bus.NewEventBus(0, testWebhookLogger())
	w := newTestWebhook(&fakePool{}, eb)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()
	defer w.Close()

	conn := dialStream(t, srv, "?topics=relay.failed,webhook")
	waitForClients(t, w, 1)

	eb.Emit(bus.Event{Type: bus.EventRelayDelivered, Source: "test"})
	eb.EmitOutcome("relay", domain.Outcome{
		TaskID:    "t1",
		Decision:  "direct",
		State:     domain.StateFailed,
		ErrorKind: "backend_unavailable",
		CreatedAt: time.Now(),
	})
	eb.Emit(bus.Event{
		Type:    bus.EventWebhookMalformed,
		Source:  "webhook",
		Payload: map[string]any{"latency": 1500 * time.Millisecond},
	})

	first := readMessage(t, conn)
	assert.Equal(t, bus.EventRelayFailed, first.Type)
	require.NotNil(t, first.Outcome)
	assert.Equal(t, "t1", first.Outcome.TaskID)

	second := readMessage(t, conn)
	assert.Equal(t, bus.EventWebhookMalformed, second.Type)
	assert.Equal(t, "1.5s", second.Payload["latency"])
}

func TestEventStream_ReplaysRecentHistory(t *testing.T) {
	eb := bus.NewEventBus(0, testWebhookLogger())
	eb.Emit(bus.Event{Type: bus.EventRelayShed, Source: "pool"})

	w := newTestWebhook(&fakePool{}, eb)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()
	defer w.Close()

	conn := dialStream(t, srv, "?since=1m")
	msg := readMessage(t, conn)
	assert.Equal(t, bus.EventRelayShed, msg.Type)
	assert.Equal(t, "pool", msg.Source)
}

func TestEventStream_InvalidSince(t *testing.T) {
	eb := bus.NewEventBus(0, testWebhookLogger())
	w := newTestWebhook(&fakePool{}, eb)
	defer w.Close()

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream_CloseDisconnectsClients(t *testing.T) {
	eb := bus.NewEventBus(0, testWebhookLogger())
	w := newTestWebhook(&fakePool{}, eb)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	conn := dialStream(t, srv, "")
	waitForClients(t, w, 1)

	w.Close()
	assert.Equal(t, 0, w.stream.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestEventStream_ClientDisconnectIsDropped(t *testing.T) {
	eb := bus.NewEventBus(0, testWebhookLogger())
	w := newTestWebhook(&fakePool{}, eb)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()
	defer w.Close()

	conn := dialStream(t, srv, "")
	waitForClients(t, w, 1)
	require.NoError(t, conn.Close())
	waitForClients(t, w, 0)

	// no subscribers left; emitting must not block or panic
	eb.Emit(bus.Event{Type: bus.EventRelayDelivered})
}

func TestParseTopics(t *testing.T) {
	assert.Nil(t, parseTopics(""))
	assert.Nil(t, parseTopics("*"))
	assert.Equal(t, []string{"relay.failed", "webhook"}, parseTopics(" relay.failed, ,webhook "))
}

func TestStreamClientWants(t *testing.T) {
	c := &streamClient{topics: []string{"relay"}}
	assert.True(t, c.wants("relay.failed"))
	assert.True(t, c.wants("relay"))
	assert.False(t, c.wants("relayer.x"))
	assert.False(t, c.wants("webhook.received"))
	assert.True(t, (&streamClient{}).wants("anything"))
}
