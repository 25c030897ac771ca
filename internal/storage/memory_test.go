package storage_test

import (
	"context"
	"errors"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(t *testing.T, s storage.Storage, nickname string, inPool bool) *models.User {
	t.Helper()
	user := &models.User{Nickname: nickname, InPool: inPool, ProfileComplete: true, Points: 100}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tg := int64(42)

	user := &models.User{TelegramID: &tg, Nickname: "user4242"}
	require.NoError(t, store.CreateUser(ctx, user))
	assert.NotEmpty(t, user.ID)

	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "user4242", got.Nickname)
	assert.Equal(t, "en", got.Language)

	byTg, err := store.GetUserByTelegramID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byTg.ID)

	// Returned records are copies.
	got.Nickname = "changed"
	again, _ := store.GetUser(ctx, user.ID)
	assert.Equal(t, "user4242", again.Nickname)

	err = store.CreateUser(ctx, &models.User{TelegramID: &tg})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestMemoryStore_UpdateUserMerges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	user := newUser(t, store, "a", true)

	err := store.UpdateUser(ctx, user.ID, models.UserPatch{Points: models.Ptr(int64(7))})
	require.NoError(t, err)

	got, _ := store.GetUser(ctx, user.ID)
	assert.Equal(t, int64(7), got.Points)
	assert.True(t, got.InPool, "fields outside the patch are kept")
	assert.True(t, got.ProfileComplete)

	err = store.UpdateUser(ctx, "missing", models.UserPatch{InPool: models.Ptr(true)})
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestMemoryStore_ScanUsersInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := newUser(t, store, "a", true)
	newUser(t, store, "b", false)
	c := newUser(t, store, "c", true)

	var seen []string
	err := store.ScanUsers(ctx, true, func(u *models.User) bool {
		seen = append(seen, u.ID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, seen)

	// Early stop.
	seen = nil
	_ = store.ScanUsers(ctx, false, func(u *models.User) bool {
		seen = append(seen, u.ID)
		return false
	})
	assert.Equal(t, []string{a.ID}, seen)
}

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := newUser(t, store, "a", true)
	b := newUser(t, store, "b", true)

	store.SetFault(func(op string) error {
		if op == "AppendTransaction" {
			return errors.New("disk full")
		}
		return nil
	})

	err := store.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.UpdateUser(ctx, a.ID, models.UserPatch{Points: models.Ptr(int64(0))}); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, b.ID, models.UserPatch{Points: models.Ptr(int64(200))}); err != nil {
			return err
		}
		staged, err := tx.GetUser(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), staged.Points, "reads inside the transaction see staged writes")
		return tx.AppendTransaction(ctx, &models.Transaction{UserID: a.ID, Amount: -100})
	})
	assert.Error(t, err)

	gotA, _ := store.GetUser(ctx, a.ID)
	gotB, _ := store.GetUser(ctx, b.ID)
	assert.Equal(t, int64(100), gotA.Points)
	assert.Equal(t, int64(100), gotB.Points)
	assert.Equal(t, int64(200), store.TotalPoints())

	txs, _ := store.ListTransactions(ctx, a.ID, 0)
	assert.Empty(t, txs)
}

func TestMemoryStore_Conversations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	conv := &models.Conversation{InitiatorID: "a", ResponderID: "b", IsActive: true}
	require.NoError(t, store.CreateConversation(ctx, conv))
	assert.NotZero(t, conv.ID)

	require.NoError(t, store.RecordConversationUnit(ctx, conv.ID, 5, 5))
	require.NoError(t, store.RecordConversationUnit(ctx, conv.ID, 0, 150))
	require.NoError(t, store.CloseConversation(ctx, conv.ID, "a"))
	require.NoError(t, store.CloseConversation(ctx, conv.ID, "b"))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UnitsBilled)
	assert.Equal(t, int64(5), got.CharsBilled)
	assert.Equal(t, int64(155), got.PointsTransferred)
	assert.False(t, got.IsActive)
	assert.Equal(t, "a", got.EndedBy, "second close must not overwrite the first")
	assert.NotNil(t, got.EndedAt)

	assert.ErrorIs(t, store.RecordConversationUnit(ctx, 999, 1, 1), storage.ErrConversationNotFound)
}

func TestMemoryStore_Reports(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	require.NoError(t, store.SaveReport(ctx, &models.Report{ReporterID: "a", ReportedUserID: "b", Reason: "spam"}))
	require.NoError(t, store.SaveReport(ctx, &models.Report{ReporterID: "c", ReportedUserID: "b", Reason: "abuse"}))

	pending, err := store.ListReports(ctx, models.ReportPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "abuse", pending[0].Reason, "newest first")

	require.NoError(t, store.UpdateReportStatus(ctx, pending[0].ID, models.ReportReviewed))
	pending, _ = store.ListReports(ctx, models.ReportPending, 0)
	assert.Len(t, pending, 1)

	assert.ErrorIs(t, store.UpdateReportStatus(ctx, 999, models.ReportReviewed), storage.ErrReportNotFound)
}
