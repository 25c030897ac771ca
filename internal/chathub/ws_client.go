package chathub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"lomitalk/backend/internal/models"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var errSendBufferFull = errors.New("websocket send buffer full")

// WebSocketClient implements Client for browser connections.
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Hub    *ManagerService
	Send   chan models.ChatMessage

	closeOnce sync.Once
	closed    chan struct{}
	log       *slog.Logger
}

func NewWebSocketClient(userID string, conn *websocket.Conn, hub *ManagerService) *WebSocketClient {
	return &WebSocketClient{
		UserID: userID,
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan models.ChatMessage, sendBuffer),
		closed: make(chan struct{}),
		log:    hub.log.With(slog.String("user_id", userID)),
	}
}

func (c *WebSocketClient) GetUserID() string { return c.UserID }
func (c *WebSocketClient) Transport() string { return "websocket" }

// Deliver queues msg for the write pump. A slow reader whose buffer is
// full does not get the message.
func (c *WebSocketClient) Deliver(msg models.ChatMessage) error {
	select {
	case <-c.closed:
		return errors.New("websocket closed")
	default:
	}
	select {
	case c.Send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

// Run starts the read and write pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops the write pump, which closes the connection.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", slog.Any("error", err))
			}
			return
		}

		var msg models.ChatMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Debug("invalid websocket payload", slog.Any("error", err))
			continue
		}

		// Identity comes from the authenticated connection, never the payload.
		msg.SenderID = c.UserID
		msg.RecipientID = ""
		if !c.Hub.Submit(msg) {
			return
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(message); err != nil {
				c.log.Debug("websocket write failed", slog.Any("error", err))
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
