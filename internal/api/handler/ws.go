package handler

import (
	"errors"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/chathub"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The token authenticates the user; browsers connect from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket authenticates the caller and upgrades to a WebSocket client
// registered with the hub.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	if _, err := h.Engine.Profile(c.Request.Context(), userID); err != nil {
		if errors.Is(err, apperr.ErrNotRegistered) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown user"})
			return
		}
		h.abortWithError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := chathub.NewWebSocketClient(userID, conn, h.Hub)
	if !h.Hub.Register(client) {
		conn.Close()
	}
}
