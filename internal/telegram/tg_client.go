package telegram

import (
	"errors"
	"fmt"
	"lomitalk/backend/internal/models"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI the package talks to.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

var errClientClosed = errors.New("telegram client closed")

// Client implements chathub.Client for one Telegram chat. Delivery goes
// straight to the Bot API, so there is no pump to run.
type Client struct {
	UserID string
	ChatID int64
	API    Sender

	closed atomic.Bool
}

func NewClient(userID string, chatID int64, api Sender) *Client {
	return &Client{UserID: userID, ChatID: chatID, API: api}
}

func (c *Client) GetUserID() string { return c.UserID }
func (c *Client) Transport() string { return "telegram" }
func (c *Client) Run()              {}
func (c *Client) Close()            { c.closed.Store(true) }

// Deliver renders msg for Telegram and sends it.
func (c *Client) Deliver(msg models.ChatMessage) error {
	if c.closed.Load() {
		return errClientClosed
	}
	out, err := c.render(msg)
	if err != nil {
		return err
	}
	if _, err := c.API.Send(out); err != nil {
		return fmt.Errorf("send to chat %d: %w", c.ChatID, err)
	}
	return nil
}

func (c *Client) render(msg models.ChatMessage) (tgbotapi.Chattable, error) {
	switch msg.Type {
	case models.MsgText,
		models.SysInfo, models.SysError, models.SysMatchFound,
		models.SysEndedSelf, models.SysEndedPartner:
		return tgbotapi.NewMessage(c.ChatID, msg.Content), nil

	case models.MsgPhoto:
		photo := tgbotapi.NewPhoto(c.ChatID, tgbotapi.FileID(msg.Content))
		photo.Caption = msg.Caption
		return photo, nil

	case models.MsgVideo:
		video := tgbotapi.NewVideo(c.ChatID, tgbotapi.FileID(msg.Content))
		video.Caption = msg.Caption
		return video, nil
	}
	return nil, fmt.Errorf("cannot render message type %q for telegram", msg.Type)
}
