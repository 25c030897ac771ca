package chathub_test

import (
	"context"
	"errors"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/chathub"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func userPoints(t *testing.T, store storage.Storage, id string) int64 {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

// pairClients connects two pooled users and pairs them; the first is the initiator.
func pairClients(t *testing.T, hub *chathub.ManagerService, store *storage.MemoryStore, initiatorPoints int64) (string, *MockClient, string, *MockClient) {
	t.Helper()
	a, clientA := addConnectedUser(t, hub, store, initiatorPoints, true)
	b, clientB := addConnectedUser(t, hub, store, 1000, true)
	require.NoError(t, hub.Dispatch(context.Background(), models.ChatMessage{SenderID: a, Type: models.CmdFind}))
	clientA.Drain()
	clientB.Drain()
	return a, clientA, b, clientB
}

func TestDispatch_Join(t *testing.T) {
	// Arrange
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA := addConnectedUser(t, hub, store, 1000, false)

	// Act
	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdJoin})

	// Assert
	require.NoError(t, err)
	u, _ := store.GetUser(ctx, a)
	assert.True(t, u.InPool)
	got := clientA.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, models.SysInfo, got[0].Type)
	assert.Equal(t, hub.Localizer.GetString("en", "pool_joined"), got[0].Content)

	// Joining twice is an informational no-op.
	require.NoError(t, hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdJoin}))
	got = clientA.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, hub.Localizer.GetString("en", "pool_already_joined"), got[0].Content)
}

func TestDispatch_JoinIncompleteProfile(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	u := &models.User{Nickname: "fresh", Points: 1000}
	require.NoError(t, store.CreateUser(ctx, u))
	client := newMockClient(u.ID)
	hub.Clients[u.ID] = client

	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: u.ID, Type: models.CmdJoin})

	assert.ErrorIs(t, err, apperr.ErrProfileIncomplete)
	got := client.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, models.SysError, got[0].Type)
	assert.Equal(t, apperr.ErrProfileIncomplete.Code, got[0].Code)
}

func TestDispatch_Leave(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA := addConnectedUser(t, hub, store, 1000, true)

	require.NoError(t, hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdLeave}))
	u, _ := store.GetUser(ctx, a)
	assert.False(t, u.InPool)

	require.NoError(t, hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdLeave}))
	got := clientA.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, hub.Localizer.GetString("en", "pool_left"), got[0].Content)
	assert.Equal(t, hub.Localizer.GetString("en", "pool_not_joined"), got[1].Content)
}

func TestDispatch_Find(t *testing.T) {
	// Arrange
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA := addConnectedUser(t, hub, store, 1000, true)
	b, clientB := addConnectedUser(t, hub, store, 1000, true)

	// Act
	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdFind, Gender: models.GenderFemale})

	// Assert
	require.NoError(t, err)
	ua, _ := store.GetUser(ctx, a)
	ub, _ := store.GetUser(ctx, b)
	assert.True(t, models.CheckSymmetry(ua, ub))
	assert.Equal(t, models.GenderFemale, ua.PreferredGender)

	msgA, ok := clientA.Last(clientA.Drain(), models.SysMatchFound)
	require.True(t, ok)
	assert.Contains(t, msgA.Content, ub.Nickname)
	require.NotNil(t, msgA.Balance)
	assert.Equal(t, int64(1000), *msgA.Balance)

	msgB, ok := clientB.Last(clientB.Drain(), models.SysMatchFound)
	require.True(t, ok)
	assert.Contains(t, msgB.Content, ua.Nickname)
}

func TestDispatch_FindErrors(t *testing.T) {
	tests := []struct {
		name     string
		filter   models.ChatMessage
		poolSize int
		wantErr  *apperr.Error
		wantText string
	}{
		{
			name:     "Invalid gender",
			filter:   models.ChatMessage{Type: models.CmdFind, Gender: "Robot"},
			poolSize: 1,
			wantErr:  apperr.ErrInvalidFilter,
			wantText: "search preference is not available",
		},
		{
			name:     "Invalid age group",
			filter:   models.ChatMessage{Type: models.CmdFind, AgeGroup: "AGE_99"},
			poolSize: 1,
			wantErr:  apperr.ErrInvalidFilter,
			wantText: "search preference is not available",
		},
		{
			name:     "Nobody qualifies",
			filter:   models.ChatMessage{Type: models.CmdFind, Gender: models.GenderMale},
			poolSize: 1,
			wantErr:  apperr.ErrNoMatchFound,
		},
		{
			name:     "Empty pool",
			filter:   models.ChatMessage{Type: models.CmdFind},
			poolSize: 0,
			wantErr:  apperr.ErrNoMatchFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, store := createTestHub(t)
			a, clientA := addConnectedUser(t, hub, store, 1000, true)
			for i := 0; i < tt.poolSize; i++ {
				addConnectedUser(t, hub, store, 1000, true)
			}

			msg := tt.filter
			msg.SenderID = a
			err := hub.Dispatch(context.Background(), msg)

			assert.ErrorIs(t, err, tt.wantErr)
			errMsg, ok := clientA.Last(clientA.Drain(), models.SysError)
			require.True(t, ok)
			assert.Equal(t, tt.wantErr.Code, errMsg.Code)
			if tt.wantText != "" {
				assert.Contains(t, errMsg.Content, tt.wantText)
			}
		})
	}
}

func TestDispatch_UnitIsBilledAndForwarded(t *testing.T) {
	// Arrange
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, _, b, clientB := pairClients(t, hub, store, 1000)

	// Act
	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "hello"})

	// Assert
	require.NoError(t, err)
	got := clientB.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, a, got[0].SenderID)
	assert.Equal(t, int64(5), got[0].Cost)
	assert.Equal(t, int64(995), userPoints(t, store, a))
	assert.Equal(t, int64(1005), userPoints(t, store, b))
}

func TestDispatch_ResponderMediaIsFree(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA, b, _ := pairClients(t, hub, store, 1000)

	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: b, Type: models.MsgPhoto, Content: "file-1", Caption: "look"})

	require.NoError(t, err)
	got := clientA.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, models.MsgPhoto, got[0].Type)
	assert.Equal(t, "look", got[0].Caption)
	assert.Zero(t, got[0].Cost)
	assert.Equal(t, int64(1000), userPoints(t, store, a))
	assert.Equal(t, int64(1000), userPoints(t, store, b))
}

func TestDispatch_UnitRejections(t *testing.T) {
	t.Run("Not in a conversation", func(t *testing.T) {
		hub, store := createTestHub(t)
		a, clientA := addConnectedUser(t, hub, store, 1000, false)

		err := hub.Dispatch(context.Background(), models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "hi"})

		assert.ErrorIs(t, err, apperr.ErrNotBound)
		got := clientA.Drain()
		require.Len(t, got, 1)
		assert.Equal(t, hub.Localizer.GetString("en", "not_in_chat"), got[0].Content)
	})

	t.Run("Unsupported type", func(t *testing.T) {
		hub, store := createTestHub(t)
		a, clientA, _, clientB := pairClients(t, hub, store, 1000)

		err := hub.Dispatch(context.Background(), models.ChatMessage{SenderID: a, Type: "sticker"})

		assert.ErrorIs(t, err, apperr.ErrUnsupportedUnit)
		errMsg, ok := clientA.Last(clientA.Drain(), models.SysError)
		require.True(t, ok)
		assert.Equal(t, apperr.ErrUnsupportedUnit.Code, errMsg.Code)
		assert.Empty(t, clientB.Drain())
	})

	t.Run("Missing sender", func(t *testing.T) {
		hub, _ := createTestHub(t)
		assert.Error(t, hub.Dispatch(context.Background(), models.ChatMessage{Type: models.MsgText}))
	})
}

func TestDispatch_InsufficientFunds(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA, b, clientB := pairClients(t, hub, store, 3)

	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "hello"})

	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Empty(t, clientB.Drain(), "nothing is forwarded")
	errMsg, ok := clientA.Last(clientA.Drain(), models.SysError)
	require.True(t, ok)
	assert.Equal(t, apperr.ErrInsufficientFunds.Code, errMsg.Code)
	require.NotNil(t, errMsg.Balance)
	assert.Equal(t, int64(3), *errMsg.Balance)
	assert.Equal(t, int64(5), errMsg.Cost)
	assert.Equal(t, int64(3), userPoints(t, store, a))
	assert.Equal(t, int64(1000), userPoints(t, store, b))

	// Still bound: a shorter message goes through.
	require.NoError(t, hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "ok"}))
	assert.Len(t, clientB.Drain(), 1)
}

func TestDispatch_DeliveryFailureEndsConversation(t *testing.T) {
	// Arrange
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA, b, clientB := pairClients(t, hub, store, 1000)
	cause := errors.New("connection reset")
	clientB.FailWith(cause)

	// Act
	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "hello"})

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDeliveryFailed)
	assert.ErrorIs(t, err, cause)
	var delivery *chathub.DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, int64(5), delivery.Charged)
	assert.Equal(t, b, delivery.RecipientID)

	// Billing stands.
	assert.Equal(t, int64(995), userPoints(t, store, a))
	assert.Equal(t, int64(1005), userPoints(t, store, b))

	ua, _ := store.GetUser(ctx, a)
	ub, _ := store.GetUser(ctx, b)
	assert.False(t, ua.InConversation)
	assert.False(t, ub.InConversation)
	convs := store.Conversations()
	require.Len(t, convs, 1)
	assert.False(t, convs[0].IsActive)

	ended, ok := clientA.Last(clientA.Drain(), models.SysEndedSelf)
	require.True(t, ok)
	assert.Equal(t, apperr.ErrDeliveryFailed.Code, ended.Code)
}

func TestDispatch_End(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA, b, clientB := pairClients(t, hub, store, 1000)

	require.NoError(t, hub.Dispatch(ctx, models.ChatMessage{SenderID: b, Type: models.CmdEnd}))

	_, ok := clientB.Last(clientB.Drain(), models.SysEndedSelf)
	assert.True(t, ok)
	_, ok = clientA.Last(clientA.Drain(), models.SysEndedPartner)
	assert.True(t, ok)

	ua, _ := store.GetUser(ctx, a)
	assert.False(t, ua.InConversation)
	assert.Equal(t, 1, ua.ConversationCount)

	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdEnd})
	assert.ErrorIs(t, err, apperr.ErrNotBound)
}

func TestDispatch_Report(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, clientA, b, clientB := pairClients(t, hub, store, 1000)

	require.NoError(t, hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdReport, Content: "spam"}))

	reports, err := store.ListReports(ctx, models.ReportPending, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, b, reports[0].ReportedUserID)
	assert.Equal(t, "spam", reports[0].Reason)

	_, ok := clientA.Last(clientA.Drain(), models.SysEndedSelf)
	assert.True(t, ok)
	_, ok = clientB.Last(clientB.Drain(), models.SysEndedPartner)
	assert.True(t, ok)

	// Nobody left to report.
	err = hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.CmdReport, Content: "spam"})
	assert.ErrorIs(t, err, apperr.ErrNotBound)
	got := clientA.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, hub.Localizer.GetString("en", "report_not_in_chat"), got[0].Content)
}

func TestDispatch_RelayFallback(t *testing.T) {
	// Arrange
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, _, b, _ := pairClients(t, hub, store, 1000)
	delete(hub.Clients, b) // b is connected to another instance

	relay := new(MockRelay)
	relay.On("Publish", mock.Anything, mock.MatchedBy(func(msg models.ChatMessage) bool {
		return msg.RecipientID == b && msg.Content == "hi"
	})).Return(nil).Once()
	hub.Relay = relay

	// Act
	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "hi"})

	// Assert
	require.NoError(t, err)
	relay.AssertExpectations(t)
	assert.Equal(t, int64(998), userPoints(t, store, a))
}

func TestDispatch_UnreachableRecipient(t *testing.T) {
	hub, store := createTestHub(t)
	ctx := context.Background()
	a, _, b, _ := pairClients(t, hub, store, 1000)
	delete(hub.Clients, b)

	err := hub.Dispatch(ctx, models.ChatMessage{SenderID: a, Type: models.MsgText, Content: "hi"})

	assert.ErrorIs(t, err, apperr.ErrDeliveryFailed)
	ua, _ := store.GetUser(ctx, a)
	assert.False(t, ua.InConversation)
}
