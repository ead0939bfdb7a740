package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"drover/internal/apperr"
)

// Event is one entry on a session's notification stream.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventHub fans tool-call lifecycle events out to per-session subscribers.
// Slow subscribers are skipped, never blocked on.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for one session. The returned cancel func
// must be called when the client goes away.
func (h *EventHub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 100)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *EventHub) Publish(sessionID string, ev Event) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners a session has.
func (h *EventHub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// handleEventsGet serves the legacy notification stream. Unlike /rpc, an
// unknown session id here is a hard 404: the stream is an attachment to an
// existing conversation, not a way to start one.
func (s *Server) handleEventsGet(c *gin.Context) {
	id := c.Query("session")
	if id == "" {
		id = c.Query("session_id")
	}
	if _, ok := s.sessions.Get(id); !ok {
		c.JSON(http.StatusNotFound, errorBody(apperr.New(apperr.KindBadInput, "unknown session %q", id)))
		return
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		s.streamWebsocket(c, id)
		return
	}
	s.streamSSE(c, id)
}

// handleEventsPost accepts a JSON-RPC request on the legacy endpoint. The
// response is returned inline and also pushed to any open stream.
func (s *Server) handleEventsPost(c *gin.Context) {
	id := c.Query("session")
	if id == "" {
		id = c.Query("session_id")
	}
	if id != "" {
		if _, ok := s.sessions.Get(id); !ok {
			c.JSON(http.StatusNotFound, errorBody(apperr.New(apperr.KindBadInput, "unknown session %q", id)))
			return
		}
		c.Request.Header.Set(sessionHeader, id)
	}
	s.handleRPC(c)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin control lives in the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) streamWebsocket(c *gin.Context, sessionID string) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WarnContext(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	// Reader goroutine detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) streamSSE(c *gin.Context, sessionID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody(apperr.New(apperr.KindInternal, "streaming unsupported")))
		return
	}

	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"sessionId\":%q}\n\n", sessionID)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
