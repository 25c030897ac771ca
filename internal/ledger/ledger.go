// Package ledger moves points between user balances. Every movement is
// all-or-nothing, never drives a balance negative, and conserves the total
// number of points across users. Each balance change is journaled as a
// models.Transaction in the same store transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
	"math"
)

// Entry describes why points move.
type Entry struct {
	Memo           string
	ConversationID *uint
	AdminID        *string
}

type Ledger struct {
	Storage storage.Storage
	Locks   *userlock.Table
	log     *slog.Logger
}

func New(s storage.Storage, locks *userlock.Table, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{Storage: s, Locks: locks, log: log}
}

// Transfer moves amount points from payer to payee. A zero amount succeeds
// without touching anything.
func (l *Ledger) Transfer(ctx context.Context, payerID, payeeID string, amount int64, entry Entry) error {
	if amount < 0 {
		return apperr.Wrap(apperr.ErrInvalidAmount, "transfer %d", amount)
	}
	if amount == 0 {
		return nil
	}

	unlock := l.Locks.Lock(payerID, payeeID)
	defer unlock()

	return l.Storage.WithTx(ctx, func(tx storage.Storage) error {
		return TransferTx(ctx, tx, payerID, payeeID, amount, entry)
	})
}

// TransferTx applies a transfer inside an open store transaction. The
// caller must hold the locks of both users.
func TransferTx(ctx context.Context, tx storage.Storage, payerID, payeeID string, amount int64, entry Entry) error {
	if amount < 0 {
		return apperr.Wrap(apperr.ErrInvalidAmount, "transfer %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if payerID == payeeID {
		return apperr.Wrap(apperr.ErrInvalidAmount, "transfer to self")
	}

	// Read in ascending id order so store row locks follow userlock order.
	first, second := payerID, payeeID
	if second < first {
		first, second = second, first
	}
	users := make(map[string]*models.User, 2)
	for _, id := range []string{first, second} {
		u, err := getUser(ctx, tx, id)
		if err != nil {
			return err
		}
		users[id] = u
	}
	payer, payee := users[payerID], users[payeeID]

	if payer.Points < amount {
		return apperr.Wrap(apperr.ErrInsufficientFunds, "user %s has %d, needs %d", payerID, payer.Points, amount)
	}
	if payee.Points > math.MaxInt64-amount {
		return apperr.Wrap(apperr.ErrInvalidAmount, "user %s balance %d cannot take %d more", payeeID, payee.Points, amount)
	}

	if err := tx.UpdateUser(ctx, payerID, models.UserPatch{Points: models.Ptr(payer.Points - amount)}); err != nil {
		return fmt.Errorf("debit payer: %w", err)
	}
	if err := tx.UpdateUser(ctx, payeeID, models.UserPatch{Points: models.Ptr(payee.Points + amount)}); err != nil {
		return fmt.Errorf("credit payee: %w", err)
	}

	out := &models.Transaction{
		UserID:         payerID,
		Amount:         -amount,
		Type:           models.TxTransferOut,
		Description:    entry.Memo,
		CounterpartyID: models.Ptr(payeeID),
		ConversationID: entry.ConversationID,
	}
	in := &models.Transaction{
		UserID:         payeeID,
		Amount:         amount,
		Type:           models.TxTransferIn,
		Description:    entry.Memo,
		CounterpartyID: models.Ptr(payerID),
		ConversationID: entry.ConversationID,
	}
	if err := tx.AppendTransaction(ctx, out); err != nil {
		return err
	}
	return tx.AppendTransaction(ctx, in)
}

// Credit adds points from outside the system (registration bonus, deposit).
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, kind models.TransactionType, entry Entry) (int64, error) {
	if amount < 0 {
		return 0, apperr.Wrap(apperr.ErrInvalidAmount, "credit %d", amount)
	}
	return l.adjust(ctx, userID, amount, kind, entry)
}

// Debit removes points from the system (withdrawal). It fails rather than
// leave a negative balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, entry Entry) (int64, error) {
	if amount < 0 {
		return 0, apperr.Wrap(apperr.ErrInvalidAmount, "debit %d", amount)
	}
	return l.adjust(ctx, userID, -amount, models.TxWithdrawal, entry)
}

func (l *Ledger) adjust(ctx context.Context, userID string, delta int64, kind models.TransactionType, entry Entry) (int64, error) {
	unlock := l.Locks.Lock(userID)
	defer unlock()

	var balance int64
	err := l.Storage.WithTx(ctx, func(tx storage.Storage) error {
		var err error
		balance, err = AdjustTx(ctx, tx, userID, delta, kind, entry)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.log.Info("balance adjusted",
		slog.String("user_id", userID),
		slog.Int64("delta", delta),
		slog.String("type", string(kind)),
		slog.Int64("balance", balance),
	)
	return balance, nil
}

// AdjustTx changes one balance by delta inside an open store transaction
// and journals it as kind. It returns the new balance.
func AdjustTx(ctx context.Context, tx storage.Storage, userID string, delta int64, kind models.TransactionType, entry Entry) (int64, error) {
	user, err := getUser(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if delta > 0 && user.Points > math.MaxInt64-delta {
		return 0, apperr.Wrap(apperr.ErrInvalidAmount, "user %s balance %d cannot take %d more", userID, user.Points, delta)
	}
	balance := user.Points + delta
	if balance < 0 {
		return 0, apperr.Wrap(apperr.ErrInsufficientFunds, "user %s has %d, needs %d", userID, user.Points, -delta)
	}
	if delta == 0 {
		return balance, nil
	}
	if err := tx.UpdateUser(ctx, userID, models.UserPatch{Points: models.Ptr(balance)}); err != nil {
		return 0, err
	}
	err = tx.AppendTransaction(ctx, &models.Transaction{
		UserID:         userID,
		Amount:         delta,
		Type:           kind,
		Description:    entry.Memo,
		ConversationID: entry.ConversationID,
		AdminID:        entry.AdminID,
	})
	return balance, err
}

// Balance returns the user's current points.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	user, err := getUser(ctx, l.Storage, userID)
	if err != nil {
		return 0, err
	}
	return user.Points, nil
}

// History returns the newest journal lines for userID.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	return l.Storage.ListTransactions(ctx, userID, limit)
}

func getUser(ctx context.Context, s storage.Storage, id string) (*models.User, error) {
	user, err := s.GetUser(ctx, id)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotRegistered, "user %s", id)
	}
	return user, err
}
