package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/ledger"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, balances ...int64) (*ledger.Ledger, *storage.MemoryStore, []string) {
	t.Helper()
	store := storage.NewMemoryStore()
	ids := make([]string, 0, len(balances))
	for _, b := range balances {
		u := &models.User{Points: b}
		require.NoError(t, store.CreateUser(context.Background(), u))
		ids = append(ids, u.ID)
	}
	return ledger.New(store, userlock.New(), testLogger()), store, ids
}

func points(t *testing.T, s storage.Storage, id string) int64 {
	t.Helper()
	u, err := s.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

func TestTransfer(t *testing.T) {
	tests := []struct {
		name      string
		payer     int64
		amount    int64
		wantErr   error
		wantPayer int64
		wantPayee int64
	}{
		{name: "Success", payer: 100, amount: 5, wantPayer: 95, wantPayee: 5},
		{name: "Exact balance", payer: 150, amount: 150, wantPayer: 0, wantPayee: 150},
		{name: "Zero amount is a no-op", payer: 10, amount: 0, wantPayer: 10, wantPayee: 0},
		{name: "Insufficient", payer: 3, amount: 5, wantErr: apperr.ErrInsufficientFunds, wantPayer: 3, wantPayee: 0},
		{name: "Negative amount", payer: 10, amount: -1, wantErr: apperr.ErrInvalidAmount, wantPayer: 10, wantPayee: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, ids := setup(t, tt.payer, 0)

			err := l.Transfer(context.Background(), ids[0], ids[1], tt.amount, ledger.Entry{Memo: "test"})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantPayer, points(t, store, ids[0]))
			assert.Equal(t, tt.wantPayee, points(t, store, ids[1]))
			assert.Equal(t, tt.payer, store.TotalPoints(), "points are conserved")
		})
	}
}

func TestTransfer_JournalsBothSides(t *testing.T) {
	l, store, ids := setup(t, 100, 0)
	convID := uint(9)

	require.NoError(t, l.Transfer(context.Background(), ids[0], ids[1], 30, ledger.Entry{Memo: "chat", ConversationID: &convID}))

	out, _ := store.ListTransactions(context.Background(), ids[0], 0)
	in, _ := store.ListTransactions(context.Background(), ids[1], 0)
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	assert.Equal(t, int64(-30), out[0].Amount)
	assert.Equal(t, models.TxTransferOut, out[0].Type)
	assert.Equal(t, ids[1], *out[0].CounterpartyID)
	assert.Equal(t, int64(30), in[0].Amount)
	assert.Equal(t, convID, *in[0].ConversationID)
}

func TestTransfer_UnknownUser(t *testing.T) {
	l, store, ids := setup(t, 100)

	err := l.Transfer(context.Background(), ids[0], "ghost", 10, ledger.Entry{})

	assert.ErrorIs(t, err, apperr.ErrNotRegistered)
	assert.Equal(t, int64(100), points(t, store, ids[0]))
}

func TestTransfer_StoreFailureLeavesBalances(t *testing.T) {
	l, store, ids := setup(t, 100, 0)
	store.SetFault(func(op string) error {
		if op == "AppendTransaction" {
			return errors.New("write failed")
		}
		return nil
	})

	err := l.Transfer(context.Background(), ids[0], ids[1], 10, ledger.Entry{})

	assert.Error(t, err)
	assert.Equal(t, int64(100), points(t, store, ids[0]))
	assert.Equal(t, int64(0), points(t, store, ids[1]))
}

// TestTransfer_ConcurrentConservation runs crossing transfers between the same
// users and checks no balance goes negative and the total is unchanged.
func TestTransfer_ConcurrentConservation(t *testing.T) {
	l, store, ids := setup(t, 50, 50, 50)
	var wg sync.WaitGroup

	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := ids[i%3]
			to := ids[(i+1)%3]
			err := l.Transfer(context.Background(), from, to, int64(i%7), ledger.Entry{})
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(150), store.TotalPoints())
	for _, u := range store.Users() {
		assert.GreaterOrEqual(t, u.Points, int64(0))
	}
}

func TestCreditDebit(t *testing.T) {
	l, store, ids := setup(t, 0)
	ctx := context.Background()
	admin := "admin1"

	balance, err := l.Credit(ctx, ids[0], 1000, models.TxBonus, ledger.Entry{Memo: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	balance, err = l.Debit(ctx, ids[0], 400, ledger.Entry{Memo: "cash out", AdminID: &admin})
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance)

	_, err = l.Debit(ctx, ids[0], 601, ledger.Entry{})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, int64(600), points(t, store, ids[0]))

	_, err = l.Credit(ctx, ids[0], -5, models.TxDeposit, ledger.Entry{})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	history, err := l.History(ctx, ids[0], 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TxWithdrawal, history[0].Type)
	assert.Equal(t, admin, *history[0].AdminID)
	assert.Equal(t, models.TxBonus, history[1].Type)

	got, err := l.Balance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(600), got)
}

func TestBalanceOverflowIsRejected(t *testing.T) {
	tests := []struct {
		name string
		act  func(l *ledger.Ledger, ids []string) error
	}{
		{
			name: "Transfer",
			act: func(l *ledger.Ledger, ids []string) error {
				return l.Transfer(context.Background(), ids[1], ids[0], 100, ledger.Entry{})
			},
		},
		{
			name: "Credit",
			act: func(l *ledger.Ledger, ids []string) error {
				_, err := l.Credit(context.Background(), ids[0], 100, models.TxDeposit, ledger.Entry{})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			l, store, ids := setup(t, math.MaxInt64-10, 1000)

			// Act
			err := tt.act(l, ids)

			// Assert
			assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
			assert.Equal(t, int64(math.MaxInt64-10), points(t, store, ids[0]))
			assert.Equal(t, int64(1000), points(t, store, ids[1]))
			history, err := l.History(context.Background(), ids[0], 0)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}

	t.Run("Up to the limit is accepted", func(t *testing.T) {
		l, store, ids := setup(t, math.MaxInt64-10, 1000)

		require.NoError(t, l.Transfer(context.Background(), ids[1], ids[0], 10, ledger.Entry{}))

		assert.Equal(t, int64(math.MaxInt64), points(t, store, ids[0]))
		assert.Equal(t, int64(990), points(t, store, ids[1]))
	})
}
