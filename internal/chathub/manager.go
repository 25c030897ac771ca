package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/complaint"
	"lomitalk/backend/internal/localization"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/metrics"
	"lomitalk/backend/internal/models"
	"sync"

	"github.com/getsentry/sentry-go"
)

// ClientRestorer builds a client for a user that has no live connection on
// this instance, e.g. a Telegram user reachable through the bot API. It
// returns nil, nil when the user cannot be reached that way.
type ClientRestorer func(ctx context.Context, userID string) (Client, error)

// Relay carries messages to users connected to other instances.
type Relay interface {
	Publish(ctx context.Context, msg models.ChatMessage) error
	Subscribe(ctx context.Context, log *slog.Logger) <-chan models.ChatMessage
}

// Presence records which users have a live connection.
type Presence interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// ManagerService is the hub: it owns the client registry, runs engine
// commands and forwards units after they have been billed.
type ManagerService struct {
	mu      sync.RWMutex
	Clients map[string]Client

	// Channels
	IncomingCh   chan models.ChatMessage
	RegisterCh   chan Client
	UnregisterCh chan Client

	Engine     *matchmaking.Engine
	Complaints *complaint.Service
	Localizer  *localization.Localizer
	Relay      Relay    // optional
	Presence   Presence // optional

	ClientRestorer ClientRestorer
	log            *slog.Logger
	done           chan struct{}
}

func NewManagerService(engine *matchmaking.Engine, complaints *complaint.Service, localizer *localization.Localizer, log *slog.Logger) *ManagerService {
	if log == nil {
		log = slog.Default()
	}
	return &ManagerService{
		Clients:      make(map[string]Client),
		IncomingCh:   make(chan models.ChatMessage, 256),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Engine:       engine,
		Complaints:   complaints,
		Localizer:    localizer,
		log:          log,
		done:         make(chan struct{}),
	}
}

func (m *ManagerService) SetClientRestorer(restorer ClientRestorer) {
	m.ClientRestorer = restorer
}

// Run processes registrations and incoming messages one at a time until ctx
// is cancelled. A single loop keeps each sender's units in receive order.
func (m *ManagerService) Run(ctx context.Context) {
	defer m.shutdown()

	var relayCh <-chan models.ChatMessage
	if m.Relay != nil {
		relayCh = m.Relay.Subscribe(ctx, m.log)
	}

	m.log.Info("chat hub started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("chat hub stopped")
			return

		case client := <-m.RegisterCh:
			m.register(ctx, client)

		case client := <-m.UnregisterCh:
			m.unregister(ctx, client)

		case msg := <-m.IncomingCh:
			_ = m.Dispatch(ctx, msg)

		case msg, ok := <-relayCh:
			if !ok {
				relayCh = nil
				continue
			}
			m.deliverRelayed(msg)
		}
	}
}

// Submit queues msg for the hub loop. It reports false once the hub has
// stopped.
func (m *ManagerService) Submit(msg models.ChatMessage) bool {
	select {
	case m.IncomingCh <- msg:
		return true
	case <-m.done:
		return false
	}
}

// Register hands a client to the hub loop.
func (m *ManagerService) Register(client Client) bool {
	select {
	case m.RegisterCh <- client:
		return true
	case <-m.done:
		return false
	}
}

// Unregister removes a client through the hub loop.
func (m *ManagerService) Unregister(client Client) {
	select {
	case m.UnregisterCh <- client:
	case <-m.done:
	}
}

func (m *ManagerService) register(ctx context.Context, client Client) {
	userID := client.GetUserID()

	m.mu.Lock()
	old, replaced := m.Clients[userID]
	m.Clients[userID] = client
	m.mu.Unlock()

	if replaced && old != client {
		old.Close()
		metrics.ClientDisconnected(old.Transport())
	}
	client.Run()
	metrics.ClientConnected(client.Transport())
	m.setOnline(ctx, userID, true)
	m.log.Info("client registered", slog.String("user_id", userID), slog.String("transport", client.Transport()))
}

func (m *ManagerService) unregister(ctx context.Context, client Client) {
	userID := client.GetUserID()

	m.mu.Lock()
	current, ok := m.Clients[userID]
	if !ok || current != client {
		m.mu.Unlock()
		return
	}
	delete(m.Clients, userID)
	m.mu.Unlock()

	client.Close()
	metrics.ClientDisconnected(client.Transport())
	m.setOnline(ctx, userID, false)
	m.log.Info("client unregistered", slog.String("user_id", userID))
}

func (m *ManagerService) setOnline(ctx context.Context, userID string, online bool) {
	if m.Presence == nil {
		return
	}
	if err := m.Presence.SetOnline(ctx, userID, online); err != nil {
		m.log.Warn("presence update failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (m *ManagerService) shutdown() {
	close(m.done)

	m.mu.Lock()
	clients := m.Clients
	m.Clients = make(map[string]Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
		metrics.ClientDisconnected(c.Transport())
	}
}

// Client returns the live client for userID, restoring one when possible.
func (m *ManagerService) Client(ctx context.Context, userID string) (Client, bool) {
	m.mu.RLock()
	c, ok := m.Clients[userID]
	m.mu.RUnlock()
	if ok {
		return c, true
	}
	if m.ClientRestorer == nil {
		return nil, false
	}

	c, err := m.ClientRestorer(ctx, userID)
	if err != nil {
		m.log.Warn("client restore failed", slog.String("user_id", userID), slog.Any("error", err))
		return nil, false
	}
	if c == nil {
		return nil, false
	}

	m.mu.Lock()
	if existing, ok := m.Clients[userID]; ok {
		m.mu.Unlock()
		return existing, true
	}
	m.Clients[userID] = c
	m.mu.Unlock()

	c.Run()
	metrics.ClientConnected(c.Transport())
	m.log.Debug("client restored", slog.String("user_id", userID), slog.String("transport", c.Transport()))
	return c, true
}

// ClientCount returns the number of live clients on this instance.
func (m *ManagerService) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Clients)
}

// deliver sends msg to its recipient, locally if connected here and through
// the relay otherwise.
func (m *ManagerService) deliver(ctx context.Context, msg models.ChatMessage) error {
	if c, ok := m.Client(ctx, msg.RecipientID); ok {
		return c.Deliver(msg)
	}
	if m.Relay != nil {
		return m.Relay.Publish(ctx, msg)
	}
	return fmt.Errorf("recipient %s is not connected", msg.RecipientID)
}

// deliverRelayed forwards a message published by another instance. Only the
// instance holding the recipient's connection acts on it.
func (m *ManagerService) deliverRelayed(msg models.ChatMessage) {
	m.mu.RLock()
	c, ok := m.Clients[msg.RecipientID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.Deliver(msg); err != nil {
		m.log.Warn("relayed delivery failed", slog.String("recipient_id", msg.RecipientID), slog.Any("error", err))
	}
}

// Notify sends a localized system message to userID. Failures are logged.
func (m *ManagerService) Notify(ctx context.Context, userID, msgType, key string, args ...any) {
	m.notify(ctx, userID, models.ChatMessage{Type: msgType}, key, args...)
}

func (m *ManagerService) notify(ctx context.Context, userID string, msg models.ChatMessage, key string, args ...any) {
	msg.SenderID = "system"
	msg.RecipientID = userID
	msg.Content = m.text(ctx, userID, key, args...)
	if err := m.deliver(ctx, msg); err != nil {
		m.log.Warn("system message not delivered",
			slog.String("user_id", userID),
			slog.String("type", msg.Type),
			slog.Any("error", err),
		)
	}
}

func (m *ManagerService) text(ctx context.Context, userID, key string, args ...any) string {
	lang := localization.DefaultLanguage
	if u, err := m.Engine.Profile(ctx, userID); err == nil && u.Language != "" {
		lang = u.Language
	}
	if m.Localizer == nil {
		return key
	}
	return m.Localizer.Format(lang, key, args...)
}

// fail tells userID why their request failed. Domain errors are expected
// outcomes; anything else is logged and reported to Sentry.
func (m *ManagerService) fail(ctx context.Context, userID string, err error) {
	msg := models.ChatMessage{Type: models.SysError}
	if appErr, ok := apperr.As(err); ok {
		msg.Code = appErr.Code
		m.log.Debug("request rejected", slog.String("user_id", userID), slog.String("code", appErr.Code), slog.Any("error", err))
	} else {
		m.capture(userID, err)
	}
	m.notify(ctx, userID, msg, apperr.UserKey(err))
}

func (m *ManagerService) capture(userID string, err error) {
	m.log.Error("request failed", slog.String("user_id", userID), slog.Any("error", err))
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID})
		var delivery *DeliveryError
		if errors.As(err, &delivery) {
			scope.SetTag("code", apperr.ErrDeliveryFailed.Code)
		}
		sentry.CaptureException(err)
	})
}
