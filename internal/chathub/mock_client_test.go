package chathub_test

import (
	"lomitalk/backend/internal/models"
	"sync"
)

type MockClient struct {
	userID      string
	RecvChannel chan models.ChatMessage

	mu      sync.Mutex
	failErr error
	closed  bool
	runs    int
}

func newMockClient(userID string) *MockClient {
	return &MockClient{
		userID:      userID,
		RecvChannel: make(chan models.ChatMessage, 32),
	}
}

func (c *MockClient) GetUserID() string {
	return c.userID
}

func (c *MockClient) Transport() string {
	return "mock"
}

func (c *MockClient) Deliver(msg models.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.RecvChannel <- msg
	return nil
}

func (c *MockClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

func (c *MockClient) Run() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drain returns everything delivered so far.
func (c *MockClient) Drain() []models.ChatMessage {
	var out []models.ChatMessage
	for {
		select {
		case msg := <-c.RecvChannel:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Last returns the most recent delivered message of the given type.
func (c *MockClient) Last(msgs []models.ChatMessage, msgType string) (models.ChatMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return msgs[i], true
		}
	}
	return models.ChatMessage{}, false
}
