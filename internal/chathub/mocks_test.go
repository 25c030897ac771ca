package chathub_test

import (
	"context"
	"io"
	"log/slog"
	"lomitalk/backend/internal/chathub"
	"lomitalk/backend/internal/complaint"
	"lomitalk/backend/internal/localization"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRelay is a testify mock of the cross-instance relay.
type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) Publish(ctx context.Context, msg models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockRelay) Subscribe(ctx context.Context, log *slog.Logger) <-chan models.ChatMessage {
	args := m.Called(ctx, log)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(<-chan models.ChatMessage)
}

// MockPresence records online flags.
type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) SetOnline(ctx context.Context, userID string, online bool) error {
	args := m.Called(ctx, userID, online)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestHub wires a hub to an in-memory engine.
func createTestHub(t *testing.T) (*chathub.ManagerService, *storage.MemoryStore) {
	t.Helper()
	log := testLogger()
	store := storage.NewMemoryStore()
	engine := matchmaking.NewEngine(store, nil, matchmaking.Tariff{PerChar: 1, Photo: 150, Video: 250}, 1000, log)
	localizer, err := localization.NewLocalizer()
	require.NoError(t, err)
	return chathub.NewManagerService(engine, complaint.NewService(store, engine.Sessions, log), localizer, log), store
}

// addConnectedUser stores a complete profile and attaches a mock client.
func addConnectedUser(t *testing.T, hub *chathub.ManagerService, store storage.Storage, points int64, inPool bool) (string, *MockClient) {
	t.Helper()
	u := &models.User{
		Nickname:        "user" + string(rune('A'+len(hub.Clients))),
		Points:          points,
		ProfileComplete: true,
		InPool:          inPool,
		Gender:          models.GenderFemale,
		AgeGroup:        models.Age18to24,
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	c := newMockClient(u.ID)
	hub.Clients[u.ID] = c
	return u.ID, c
}
