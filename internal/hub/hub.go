// Package hub fans live recording events out to WebSocket subscribers,
// grouped by session.
package hub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrBufferFull is returned when a subscriber cannot keep up.
var ErrBufferFull = errors.New("subscriber buffer full")

// Subscriber is one WebSocket connection tailing a session.
type Subscriber struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
}

// Hub manages all live-tail subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sessions    map[string]map[string]bool
}

// New creates a new Hub.
func New() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		sessions:    make(map[string]map[string]bool),
	}
}

// Subscribe registers a connection as a subscriber of sessionID.
func (h *Hub) Subscribe(sessionID string, conn *websocket.Conn) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][sub.ID] = true
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its send channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	if conns := h.sessions[sub.SessionID]; conns != nil {
		delete(conns, sub.ID)
		if len(conns) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	close(sub.Send)
}

// Broadcast sends data to every subscriber of a session. Slow subscribers
// are dropped rather than blocking the caller.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.mu.RLock()
	var dropped []*Subscriber
	for subID := range h.sessions[sessionID] {
		sub, ok := h.subscribers[subID]
		if !ok {
			continue
		}
		select {
		case sub.Send <- data:
		default:
			log.Printf("WARN: subscriber %s buffer full, dropping", subID)
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range dropped {
		h.Unsubscribe(sub)
	}
}

// BroadcastJSON sends a JSON-encoded message to a session's subscribers.
func (h *Hub) BroadcastJSON(sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data)
	return nil
}

// WritePump drains a subscriber's send channel to its connection. It
// returns when the channel closes or a write fails.
func (h *Hub) WritePump(sub *Subscriber) {
	defer sub.Conn.Close()
	for data := range sub.Send {
		if err := sub.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.Unsubscribe(sub)
			return
		}
	}
}
