package channel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

// StreamMessage is the JSON frame sent to event stream clients.
type StreamMessage struct {
	Type    string          `json:"type"`
	Source  string          `json:"source,omitempty"`
	Time    time.Time       `json:"time"`
	Outcome *domain.Outcome `json:"outcome,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// EventStream pushes relay lifecycle events to operators over WebSocket.
//
// Clients may narrow the stream with ?topics=relay.failed,webhook (a topic
// matches itself and every "topic.*" below it) and ask for recent history
// with ?since=10m.
type EventStream struct {
	events    *bus.EventBus
	logger    *slog.Logger
	handlerID string

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn   *websocket.Conn
	topics []string
	send   chan StreamMessage
	done   chan struct{}
	once   sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only stream
	},
}

func NewEventStream(events *bus.EventBus, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EventStream{
		events:  events,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
	s.handlerID = events.On("*", s.broadcast)
	return s
}

// Clients returns the number of connected clients.
func (s *EventStream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *EventStream) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	var since time.Duration
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		since = d
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "err", err)
		return
	}

	c := &streamClient{
		conn:   conn,
		topics: topics,
		send:   make(chan StreamMessage, streamBuffer),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("event stream client connected", "remote", r.RemoteAddr, "topics", strings.Join(topics, ","))

	if since > 0 {
		for _, e := range s.events.Replay("*", time.Now().Add(-since)) {
			if c.wants(e.Type) {
				c.enqueue(toStreamMessage(e))
			}
		}
	}

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop discards client frames; it exists to notice disconnects and to
// process control frames.
func (s *EventStream) readLoop(c *streamClient) {
	defer s.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event stream read error", "err", err)
			}
			return
		}
	}
}

func (s *EventStream) writeLoop(c *streamClient) {
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("event stream write failed", "err", err)
				s.drop(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

func (s *EventStream) broadcast(e bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	msg := toStreamMessage(e)
	for c := range s.clients {
		if c.wants(e.Type) {
			c.enqueue(msg)
		}
	}
}

func (s *EventStream) drop(c *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	if ok {
		s.logger.Info("event stream client disconnected")
	}
}

// Close disconnects every client and stops listening on the bus. The HTTP
// server does not track hijacked connections, so this must be called on
// shutdown.
func (s *EventStream) Close() {
	s.events.Off("*", s.handlerID)

	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}

// enqueue never blocks the bus: a client that falls behind loses events.
func (c *streamClient) enqueue(msg StreamMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *streamClient) wants(eventType string) bool {
	if len(c.topics) == 0 {
		return true
	}
	for _, t := range c.topics {
		if eventType == t || strings.HasPrefix(eventType, t+".") {
			return true
		}
	}
	return false
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" && t != "*" {
			topics = append(topics, t)
		}
	}
	return topics
}

func toStreamMessage(e bus.Event) StreamMessage {
	return StreamMessage{
		Type:    e.Type,
		Source:  e.Source,
		Time:    e.Timestamp,
		Outcome: e.Outcome,
		Payload: stringifyDurations(e.Payload),
	}
}

// stringifyDurations renders time.Duration payload values as "1.5s" rather
// than nanoseconds.
func stringifyDurations(p map[string]any) map[string]any {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		if d, ok := v.(time.Duration); ok {
			out[k] = d.String()
			continue
		}
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}
