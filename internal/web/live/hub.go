// Package live streams session frames to editing surfaces over WebSocket.
// Each session is a room; every change to what a session's chart shows is
// published to the clients in its room.
package live

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types
const (
	TypeFrame   = "frame"
	TypeState   = "state"
	TypeClosed  = "closed"
	TypePong    = "pong"
	TypeError   = "error"
	typePing    = "ping"
	sendBacklog = 64
)

// ErrHubClosed is returned by Serve after Close
var ErrHubClosed = errors.New("live: hub closed")

// Message is one envelope on the wire
type Message struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes payload into a message
func NewMessage(msgType, session string, payload interface{}) (*Message, error) {
	m := &Message{Type: msgType, Session: session}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Data = data
	}
	return m, nil
}

// Config holds WebSocket configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	// CheckOrigin decides which browser origins may connect; nil allows all
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{ReadBufferSize: 1024, WriteBufferSize: 4096}
}

// Hub tracks the connected clients per session
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
	closed   bool
}

// NewHub creates an empty hub
func NewHub(cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		log: log,
	}
}

// Serve upgrades the request and joins the connection to room. initial, if
// not nil, is the first message the client receives. Serve returns once the
// connection is set up; the client is served in the background until either
// side closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, room string, initial *Message) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return ErrHubClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		return err
	}

	c := newClient(uuid.New().String(), room, conn, h)
	if initial != nil {
		c.enqueue(initial)
	}
	if !h.join(c) {
		_ = conn.Close()
		return ErrHubClosed
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) join(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[*Client]struct{})
	}
	h.rooms[c.room][c] = struct{}{}
	h.log.Debug("live client joined",
		zap.String("client_id", c.ID),
		zap.String("session_id", c.room),
		zap.Int("clients", len(h.rooms[c.room])),
	)
	return true
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.rooms, c.room)
	}
	h.log.Debug("live client left", zap.String("client_id", c.ID), zap.String("session_id", c.room))
}

func (h *Hub) members(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// Publish sends payload to every client of room and returns how many
// clients it was queued for. Clients that cannot keep up miss the message.
func (h *Hub) Publish(room, msgType string, payload interface{}) int {
	clients := h.members(room)
	if len(clients) == 0 {
		return 0
	}
	msg, err := NewMessage(msgType, room, payload)
	if err != nil {
		h.log.Warn("live message not encodable", zap.String("type", msgType), zap.Error(err))
		return 0
	}
	sent := 0
	for _, c := range clients {
		if c.enqueue(msg) {
			sent++
		}
	}
	return sent
}

// CloseRoom tells every client of room that the session ended and
// disconnects them
func (h *Hub) CloseRoom(room string) {
	for _, c := range h.members(room) {
		c.enqueue(&Message{Type: TypeClosed, Session: room})
		c.close()
	}
}

// Count returns the number of clients connected to room
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, clients := range h.rooms {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
