package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheGojiOG/pvebackup/internal/logging"
)

// RoomJobs receives every job state change and progress update
const RoomJobs = "jobs"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	Operator string
	Conn     *websocket.Conn
	Room     string
	Send     chan *Message
	Hub      *Hub
}

// NewClient creates a client bound to hub and room
func NewClient(hub *Hub, conn *websocket.Conn, id, operator, room string) *Client {
	return &Client{
		ID:       id,
		Operator: operator,
		Conn:     conn,
		Room:     room,
		Send:     make(chan *Message, sendBuffer),
		Hub:      hub,
	}
}

// Hub manages all WebSocket connections and rooms
type Hub struct {
	rooms      map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	broadcast  chan *BroadcastMessage
	log        *slog.Logger

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast to a room
type BroadcastMessage struct {
	Room    string
	Message *Message
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        logging.Component("websocket"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToRoom(message)

		case <-ctx.Done():
			h.log.Info("hub_shutdown")
			h.shutdown()
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[client.Room] == nil {
		h.rooms[client.Room] = make(map[*Client]bool)
	}
	h.rooms[client.Room][client] = true

	h.log.Info("client_joined", "client_id", client.ID, "operator", client.Operator, "room", client.Room, "room_size", len(h.rooms[client.Room]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[client.Room]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.rooms, client.Room)
	}

	h.log.Info("client_left", "client_id", client.ID, "room", client.Room, "room_size", len(clients))
}

// broadcastToRoom sends a message to all clients in a room. A client whose
// buffer is full misses the message; the next progress event supersedes it.
func (h *Hub) broadcastToRoom(bm *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[bm.Room] {
		select {
		case client.Send <- bm.Message:
		default:
			h.log.Warn("client_send_full", "client_id", client.ID, "type", bm.Message.Type)
		}
	}
}

// GetRoomSize returns the number of clients in a room
func (h *Hub) GetRoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish queues a message for a room. It never blocks; when the hub is
// saturated the message is dropped.
func (h *Hub) Publish(room, msgType string, payload interface{}) {
	msg := &BroadcastMessage{
		Room: room,
		Message: &Message{
			Type:      msgType,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		},
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast_queue_full", "room", room, "type", msgType)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			close(client.Send)
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// ReadPump drains the connection so pongs and close frames are processed.
// Clients only listen; anything they send is ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("client_read_failed", "client_id", c.ID, "error", err)
			}
			return
		}
	}
}

// WritePump pumps messages from hub to WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.Hub.log.Error("message_marshal_failed", "type", message.Type, "error", err)
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
