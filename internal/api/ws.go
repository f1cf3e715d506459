package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *streaming.Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *streaming.Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamSession streams one session's run events
// WS /api/v1/sessions/:key/stream
func (h *WSHandler) StreamSession(c *gin.Context) {
	sessionKey := c.Param("key")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection",
			zap.String("session_key", sessionKey),
			zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("websocket connected",
		zap.String("client_id", clientID),
		zap.String("session_key", sessionKey))

	client := streaming.NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(sessionKey)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll accepts a connection that picks sessions via subscribe frames
// WS /ws
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("websocket connected", zap.String("client_id", clientID))

	client := streaming.NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	// ReadPump handles subscribe/unsubscribe frames from the client.
	go client.WritePump()
	go client.ReadPump()
}
