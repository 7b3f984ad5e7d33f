package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"barstock-sync-service/internal/logger"
	syncengine "barstock-sync-service/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Terminals connect from the same machine; the HTTP layer already
	// enforces the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event types pushed to connected terminals.
const (
	EventSyncStarted    = "sync.started"
	EventSyncProgress   = "sync.progress"
	EventSyncCompleted  = "sync.completed"
	EventSyncConflict   = "sync.conflict_detected"
	EventReauthRequired = "sync.reauth_required"
)

// Envelope wraps every pushed message.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Hub fans engine lifecycle events out to connected websocket clients. It
// implements the engine's Broadcaster; publishing never blocks the cycle.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.Log.Debug("Websocket client connected", zap.Int("total", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logger.Log.Debug("Websocket client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow consumer; drop it rather than stall the hub.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) publish(eventType string, data map[string]any) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Log.Error("Failed to marshal websocket event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		logger.Log.Warn("Websocket broadcast buffer full, event dropped",
			zap.String("type", eventType))
	}
}

// SyncStarted implements syncengine.Broadcaster.
func (h *Hub) SyncStarted(total int) {
	h.publish(EventSyncStarted, map[string]any{"total": total})
}

// SyncProgress implements syncengine.Broadcaster.
func (h *Hub) SyncProgress(processed, total int) {
	percent := 100
	if total > 0 {
		percent = processed * 100 / total
	}
	h.publish(EventSyncProgress, map[string]any{
		"processed": processed,
		"total":     total,
		"percent":   percent,
	})
}

// SyncCompleted implements syncengine.Broadcaster.
func (h *Hub) SyncCompleted(stats *syncengine.SyncStats) {
	h.publish(EventSyncCompleted, map[string]any{
		"total":       stats.Total,
		"synced":      stats.Synced,
		"failed":      stats.Failed,
		"conflicted":  stats.Conflicted,
		"skipped":     stats.Skipped,
		"aborted":     stats.Aborted,
		"duration_ms": stats.Duration.Milliseconds(),
	})
}

// ConflictDetected implements syncengine.Broadcaster.
func (h *Hub) ConflictDetected(itemID string) {
	h.publish(EventSyncConflict, map[string]any{"item_id": itemID})
}

// ReauthRequired implements syncengine.Broadcaster.
func (h *Hub) ReauthRequired() {
	h.publish(EventReauthRequired, map[string]any{"reason": "credential_expired"})
}

// WorkerCompleted relays a background drain summary to connected terminals.
func (h *Hub) WorkerCompleted(success, failed int) {
	h.publish(EventSyncCompleted, map[string]any{
		"source":  "background",
		"synced":  success,
		"failed":  failed,
		"aborted": false,
	})
}

// ServeWS upgrades the connection and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Clients only listen; inbound frames keep the connection alive.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
	}
}

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
