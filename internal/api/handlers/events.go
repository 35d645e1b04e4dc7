package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/logging"
	ws "github.com/TheGojiOG/pvebackup/internal/websocket"
)

// EventsHandler streams job events to websocket clients
type EventsHandler struct {
	hub            *ws.Hub
	allowedOrigins []string
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *ws.Hub, allowedOrigins []string) *EventsHandler {
	return &EventsHandler{hub: hub, allowedOrigins: allowedOrigins}
}

// HandleWebSocket joins the caller to the jobs room
// GET /api/v1/ws
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	upgrader := buildUpgrader(h.allowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Component("websocket").Warn("upgrade_failed", "origin", c.Request.Header.Get("Origin"), "error", err)
		if !c.Writer.Written() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "WebSocket upgrade failed", "kind": "invalid_configuration"})
		}
		return
	}

	client := ws.NewClient(h.hub, conn,
		fmt.Sprintf("jobs-%d", time.Now().UnixNano()),
		c.GetString("operator"),
		ws.RoomJobs,
	)
	h.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
