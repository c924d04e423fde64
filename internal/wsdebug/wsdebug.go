// Package wsdebug implements the read-only debug/observer surface
// (spec §6 supplement): a WebSocket tap that broadcasts a copy of every
// dispatched command's outcome to connected observers, without sitting in
// the request hot path.
//
// Grounded on the reference control-plane's MetricsHub (control_plane/ws_hub.go):
// the same register/unregister channel pair, the same connection cap, the
// same single-broadcaster-goroutine shape. The reference hub polls
// per-tenant metrics on a ticker; this hub is event-driven instead,
// fed by Publish calls from the batch HTTP handler after each dispatched
// command completes.
package wsdebug

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxConnections = 200

// Event is one observed command outcome, broadcast verbatim as JSON.
type Event struct {
	WorldInstanceID string `json:"worldInstanceId"`
	CommandType     string `json:"commandType"`
	Index           int    `json:"index"`
	OK              bool   `json:"ok"`
	ErrorCode       string `json:"errorCode,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// Hub fans out Events to every registered WebSocket connection.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 1024),
	}
}

// Run is the hub's single broadcaster goroutine; it owns all client state.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[WSDEBUG] connection rejected: max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

// Register admits a connection to the broadcast set. Call from the HTTP
// handler after upgrading.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a connection, closing it if still present.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Publish enqueues an event for broadcast. Non-blocking: a full buffer
// drops the event rather than stalling the dispatch path that calls it.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		log.Printf("[WSDEBUG] event buffer full, dropping event for %s", ev.WorldInstanceID)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
