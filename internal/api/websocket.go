package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/registry"
	"github.com/jkaflik/rfxshutter/internal/shutter"
)

const (
	EventPositionChanged = "position_changed"
	EventDeviceAdded     = "device_added"
	EventDeviceRemoved   = "device_removed"

	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// EventMessage is a single message of the events stream.
type EventMessage struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Shutter   shutter.Update `json:"shutter"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub fans shutter events out to WebSocket clients. A client that cannot keep
// up loses messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: map[*client]struct{}{}}
}

// Track broadcasts every update of sh.
func (h *Hub) Track(sh shutter.Shutter) {
	sh.OnUpdate(func(u shutter.Update) {
		h.Broadcast(EventPositionChanged, u)
	})
}

// HandleEvent is a registry.EventHandler.
func (h *Hub) HandleEvent(e registry.Event) {
	switch e.Type {
	case registry.EventAdded:
		h.Track(e.Shutter)
		h.Broadcast(EventDeviceAdded, e.Shutter.Snapshot())
	case registry.EventRemoved:
		h.Broadcast(EventDeviceRemoved, e.Shutter.Snapshot())
	}
}

func (h *Hub) Broadcast(eventType string, u shutter.Update) {
	data, err := json.Marshal(EventMessage{Type: eventType, Timestamp: time.Now().UTC(), Shutter: u})
	if err != nil {
		logrus.Errorf("api: event marshal failed: %s", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logrus.Warnf("api: events client too slow, %s dropped", eventType)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// unregister closes the send channel only when c was still registered, so a
// concurrent Close never closes it twice.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, found := h.clients[c]; found {
		delete(h.clients, c)
		close(c.send)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("api: websocket upgrade failed: %s", err)
		return
	}

	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBufferSize)}
	if !s.hub.register(c) {
		conn.Close()
		return
	}
	logrus.Debugf("api: events client connected, %d clients", s.hub.ClientCount())

	go c.writePump()
	go c.readPump()
}

// readPump only handles control frames. Clients do not send messages.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Warnf("api: websocket read error: %s", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
