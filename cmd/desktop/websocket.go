// Package main provides the WebSocket hub for outbox events (desktop only).
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/payrollsync/internal/events"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from localhost
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// HostSignals receives host events forwarded by UI clients.
type HostSignals interface {
	SetOnline(online bool) bool
	Focus()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex

	host HostSignals
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventOutboxQueued  = "outbox.queued"
	EventOutboxFlushed = "outbox.flushed"
)

// NewWSHub creates a new WebSocket hub. host may be nil, in which case
// focus and connectivity actions are ignored.
func NewWSHub(host HostSignals) *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		host:       host,
	}
	go hub.run()
	return hub
}

// Close stops the hub loop.
func (h *WSHub) Close() {
	close(h.done)
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *WSHub) deliver(message []byte) {
	var env WSEnvelope
	_ = json.Unmarshal(message, &env)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if !client.subscribed(env.Type) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Client send buffer is full, close connection
			close(client.send)
			delete(h.clients, id)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err)
		return
	}

	select {
	case h.broadcast <- bytes:
	default:
		logging.Warn("WebSocket broadcast buffer full, dropping event", map[string]interface{}{"type": messageType})
	}
}

// Attach forwards bus events to clients. It returns the unsubscribe func.
func (h *WSHub) Attach(bus *events.Bus) func() {
	return bus.Subscribe(h.onEvent)
}

func (h *WSHub) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.Queued:
		h.BroadcastQueued(e.Tag, e.ID)
	case events.Flushed:
		h.BroadcastFlushed(e.Modules)
	}
}

// BroadcastQueued notifies clients that a request was deferred.
func (h *WSHub) BroadcastQueued(tag string, id int64) {
	h.Broadcast(EventOutboxQueued, map[string]interface{}{
		"tag": tag,
		"id":  id,
	})
}

// BroadcastFlushed notifies clients which modules changed on the server.
func (h *WSHub) BroadcastFlushed(modules []string) {
	h.Broadcast(EventOutboxFlushed, map[string]interface{}{
		"modules": modules,
	})
}

// subscribed reports whether the client wants eventType. A client without
// subscriptions receives everything.
func (c *WSClient) subscribed(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// clientMessage is an action sent by a UI client.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events,omitempty"`
	Online *bool    `json:"online,omitempty"`
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"client": c.id})
			continue
		}
		c.handle(msg)
	}
}

func (c *WSClient) handle(msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.mu.Lock()
		for _, e := range msg.Events {
			c.subscriptions[e] = true
		}
		c.mu.Unlock()
		c.sendAction("subscribe_ack", map[string]interface{}{"subscribed": msg.Events})

	case "unsubscribe":
		c.mu.Lock()
		for _, e := range msg.Events {
			delete(c.subscriptions, e)
		}
		c.mu.Unlock()

	case "ping":
		c.sendAction("pong", nil)

	// Host window events from the desktop shell.
	case "focus":
		if c.hub.host != nil {
			c.hub.host.Focus()
		}

	case "connectivity":
		if c.hub.host != nil && msg.Online != nil {
			c.hub.host.SetOnline(*msg.Online)
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendAction replies to the client directly. Replies are dropped when the
// send buffer is full.
func (c *WSClient) sendAction(action string, fields map[string]interface{}) {
	envelope := map[string]interface{}{
		"action":    action,
		"timestamp": time.Now().Unix(),
	}
	for k, v := range fields {
		envelope[k] = v
	}

	bytes, _ := json.Marshal(envelope)
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.NewKey(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		// Start pumps
		go client.writePump()
		go client.readPump()
	}
}
