package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is the foreground side of the cross-context channel. It dials the
// proxy's hub and surfaces notifications through registered callbacks.
type Client struct {
	url  string
	log  *zap.Logger
	conn *websocket.Conn

	mu              sync.Mutex
	onItemSynced    []func(collection, id string)
	onSyncCompleted []func(delivered, failed int)
	onVersionReady  []func(version string)
	closed          bool
}

// Dial connects to the hub at host:port.
func Dial(ctx context.Context, host string, port uint16, log *zap.Logger) (*Client, error) {
	url := fmt.Sprintf("ws://%s:%d/bridge", host, port)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		url:  url,
		log:  log,
		conn: conn,
	}
	go c.readLoop()
	return c, nil
}

// OnItemSynced registers a callback for item-synced notifications. Callbacks
// must tolerate duplicates; counts should be re-read from the store.
func (c *Client) OnItemSynced(fn func(collection, id string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onItemSynced = append(c.onItemSynced, fn)
}

// OnSyncCompleted registers a callback fired when the proxy finishes a drain
// pass, whether or not every record was delivered.
func (c *Client) OnSyncCompleted(fn func(delivered, failed int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncCompleted = append(c.onSyncCompleted, fn)
}

// OnVersionReady registers a callback fired when a new proxy version takes
// over and the foreground should reload.
func (c *Client) OnVersionReady(fn func(version string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVersionReady = append(c.onVersionReady, fn)
}

// RequestSync asks the proxy to run a sync pass now. Fire-and-forget: the
// completion is observed via OnSyncCompleted, with per-record progress on
// OnItemSynced.
func (c *Client) RequestSync() error {
	envelope := Envelope{
		Type:      EventSyncRequest,
		Timestamp: time.Now().Unix(),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("bridge client closed")
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Debug("bridge connection lost", zap.Error(err))
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case EventItemSynced:
			collection, _ := envelope.Data["collection"].(string)
			id, _ := envelope.Data["item_id"].(string)
			c.mu.Lock()
			callbacks := append([]func(string, string){}, c.onItemSynced...)
			c.mu.Unlock()
			for _, fn := range callbacks {
				fn(collection, id)
			}

		case EventSyncCompleted:
			delivered, _ := envelope.Data["delivered"].(float64)
			failed, _ := envelope.Data["failed"].(float64)
			c.mu.Lock()
			callbacks := append([]func(int, int){}, c.onSyncCompleted...)
			c.mu.Unlock()
			for _, fn := range callbacks {
				fn(int(delivered), int(failed))
			}

		case EventVersionReady:
			version, _ := envelope.Data["version"].(string)
			c.mu.Lock()
			callbacks := append([]func(string){}, c.onVersionReady...)
			c.mu.Unlock()
			for _, fn := range callbacks {
				fn(version)
			}
		}
	}
}
