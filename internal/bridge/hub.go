// Package bridge is the cross-context channel between the background proxy
// and foreground application instances. The proxy serves a localhost
// WebSocket hub; foregrounds connect as clients. Every message kind is
// self-contained and idempotent to receive more than once: receivers
// recompute pending counts from the store instead of adjusting them in place.
package bridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message kinds carried over the channel.
const (
	// EventSyncRequest asks the proxy to run a sync pass now (foreground → proxy).
	EventSyncRequest = "sync.request"
	// EventItemSynced announces one record finished syncing (→ all foregrounds).
	EventItemSynced = "sync.item_synced"
	// EventSyncCompleted announces a whole drain pass finished, successful or
	// not; anything still pending shows up in the recomputed counts
	// (→ all foregrounds).
	EventSyncCompleted = "sync.completed"
	// EventVersionReady announces a new proxy version has taken over; clients
	// should reload so the new version has exclusive control (→ all foregrounds).
	EventVersionReady = "proxy.version_ready"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bridge is local-only; never accept remote peers.
		return r.Host == "localhost" || strings.HasPrefix(r.Host, "localhost:") ||
			strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Envelope wraps all bridge messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// client represents one connected foreground instance.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains foreground connections and broadcasts notifications.
type Hub struct {
	log *zap.Logger

	// onSyncRequest runs when any foreground asks for a sync pass.
	onSyncRequest func()

	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a running hub. onSyncRequest may be nil.
func NewHub(log *zap.Logger, onSyncRequest func()) *Hub {
	hub := &Hub{
		log:           log,
		onSyncRequest: onSyncRequest,
		clients:       make(map[string]*client),
		broadcast:     make(chan []byte, 256),
		register:      make(chan *client),
		unregister:    make(chan *client),
		stop:          make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Stop shuts down the dispatch loop and disconnects every foreground.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("bridge client connected",
				zap.String("client_id", c.id), zap.Int("total", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("bridge client disconnected",
				zap.String("client_id", c.id), zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			for _, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Client send buffer is full, drop the connection
					close(c.send)
					delete(h.clients, c.id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an envelope to all connected foregrounds.
func (h *Hub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		h.log.Error("failed to marshal bridge message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- raw:
	case <-h.stop:
	}
}

// ItemSynced implements syncer.Notifier: one record finished syncing.
func (h *Hub) ItemSynced(collection, id string) {
	h.Broadcast(EventItemSynced, map[string]interface{}{
		"collection": collection,
		"item_id":    id,
	})
}

// SyncCompleted announces that a drain pass finished, whatever its outcome.
func (h *Hub) SyncCompleted(delivered, failed int) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"delivered": delivered,
		"failed":    failed,
	})
}

// VersionReady announces the activated proxy version to all foregrounds.
func (h *Hub) VersionReady(version string) {
	h.Broadcast(EventVersionReady, map[string]interface{}{
		"version": version,
	})
}

// ClientCount returns the number of connected foreground instances.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump pumps messages from one foreground connection.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
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
				c.hub.log.Debug("bridge read error", zap.Error(err))
			}
			break
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.hub.log.Debug("invalid bridge message", zap.Error(err))
			continue
		}

		if envelope.Type == EventSyncRequest && c.hub.onSyncRequest != nil {
			c.hub.onSyncRequest()
		}
	}
}

// writePump pumps messages to one foreground connection.
func (c *client) writePump() {
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

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Handler returns an http.HandlerFunc upgrading foreground connections.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("bridge upgrade failed", zap.Error(err))
			return
		}

		clientID := time.Now().Format("20060102150405.000000000") + "-" + r.RemoteAddr

		c := &client{
			id:   clientID,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}

		select {
		case h.register <- c:
		case <-h.stop:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
