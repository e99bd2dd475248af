package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

// hubQueueSize is how many frames a websocket may fall behind before it is
// dropped.
const hubQueueSize = 256

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConnWriter) WriteClose(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
}

type hubFrame struct {
	data   []byte
	exited bool
	code   int
}

// hubClient is one websocket's queue. frames is closed when the hub drops
// the client.
type hubClient struct {
	sessionID string
	frames    chan hubFrame
}

// Hub fans pty output out to websocket clients. It implements pty.Sink.
// Delivery never blocks the pty reader: a client whose queue is full is
// dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*hubClient]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*hubClient]struct{})}
}

// Subscribe registers a client for sessionID. The returned func detaches it
// and is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (*hubClient, func()) {
	c := &hubClient{sessionID: sessionID, frames: make(chan hubFrame, hubQueueSize)}
	h.mu.Lock()
	set := h.clients[sessionID]
	if set == nil {
		set = make(map[*hubClient]struct{})
		h.clients[sessionID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return c, func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
	}
}

// Clients returns how many clients watch sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

// Output implements pty.Sink.
func (h *Hub) Output(sessionID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[sessionID] {
		select {
		case c.frames <- hubFrame{data: data}:
		default:
			logging.Aggregate(logging.CompWeb, "ws_client_dropped", slog.String("session_id", sessionID))
			h.dropLocked(c)
		}
	}
}

// Exit implements pty.Sink. Every client of the session gets the exit frame
// and is detached.
func (h *Hub) Exit(sessionID string, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[sessionID] {
		select {
		case c.frames <- hubFrame{exited: true, code: code}:
		default:
		}
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *hubClient) {
	set := h.clients[c.sessionID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.frames)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
}
