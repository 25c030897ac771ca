package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/ledger"
	"lomitalk/backend/internal/metrics"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
)

// rebindRetries bounds how often an operation re-reads a binding that
// changed between the unlocked read and taking the locks.
const rebindRetries = 3

// Receipt tells the caller where to forward an accepted unit.
type Receipt struct {
	PartnerID      string
	ConversationID uint
	Initiator      bool
	Cost           int64 // points moved; 0 for responder units
	Seq            int   // billed-unit counter of the conversation, 0 for responder units
}

// Outcome reports the final state of an ended conversation.
type Outcome struct {
	PartnerID       string
	ConversationID  uint
	Initiator       bool // requester's role
	RequesterPoints int64
	PartnerPoints   int64
}

// Sessions gates billable units and tears conversations down.
type Sessions struct {
	Storage storage.Storage
	Locks   *userlock.Table
	Tariff  Tariff
	log     *slog.Logger
}

func NewSessions(s storage.Storage, locks *userlock.Table, tariff Tariff, log *slog.Logger) *Sessions {
	if log == nil {
		log = slog.Default()
	}
	return &Sessions{Storage: s, Locks: locks, Tariff: tariff, log: log}
}

// SendUnit accepts one unit from sender. Units from the initiator are paid
// to the responder before the caller may forward them; a rejected payment
// means the unit must not be delivered. Responder units are free.
func (s *Sessions) SendUnit(ctx context.Context, senderID string, unit Unit) (Receipt, error) {
	cost, chars, err := s.Tariff.Cost(unit)
	if err != nil {
		return Receipt{}, err
	}

	receipt, err := s.sendUnit(ctx, senderID, cost, chars)
	switch {
	case err == nil:
		metrics.RecordUnit(string(unit.Kind), "accepted", receipt.Cost)
	case errors.Is(err, apperr.ErrInsufficientFunds):
		metrics.RecordUnit(string(unit.Kind), "insufficient_funds", 0)
	default:
		metrics.RecordUnit(string(unit.Kind), "rejected", 0)
	}
	return receipt, err
}

func (s *Sessions) sendUnit(ctx context.Context, senderID string, cost, chars int64) (Receipt, error) {
	for i := 0; i < rebindRetries; i++ {
		binding, err := s.currentBinding(ctx, senderID)
		if err != nil {
			return Receipt{}, err
		}

		receipt, err := s.sendLocked(ctx, senderID, binding, cost, chars)
		if errors.Is(err, errRebound) {
			continue
		}
		return receipt, err
	}
	return Receipt{}, apperr.Wrap(apperr.ErrNotBound, "user %s: binding kept changing", senderID)
}

var errRebound = errors.New("binding changed before lock")

func (s *Sessions) sendLocked(ctx context.Context, senderID string, expected models.Binding, cost, chars int64) (Receipt, error) {
	unlock := s.Locks.Lock(senderID, expected.PartnerID)
	defer unlock()

	var receipt Receipt
	broken := false
	err := s.Storage.WithTx(ctx, func(tx storage.Storage) error {
		sender, partner, err := loadPair(ctx, tx, senderID, expected)
		if err != nil {
			return err
		}
		if !models.CheckSymmetry(sender, partner) {
			broken = true
			return healTx(ctx, tx, senderID, expected)
		}

		binding, _ := sender.Binding()
		receipt = Receipt{PartnerID: binding.PartnerID, ConversationID: binding.ConversationID, Initiator: binding.Initiator}
		if !binding.Initiator {
			return nil
		}

		if err := ledger.TransferTx(ctx, tx, senderID, binding.PartnerID, cost, ledger.Entry{
			Memo:           "conversation unit",
			ConversationID: models.Ptr(binding.ConversationID),
		}); err != nil {
			return err
		}
		if err := tx.RecordConversationUnit(ctx, binding.ConversationID, chars, cost); err != nil {
			return fmt.Errorf("record unit: %w", err)
		}
		if chars > 0 {
			if err := tx.UpdateUser(ctx, senderID, models.UserPatch{TotalChars: models.Ptr(sender.TotalChars + chars)}); err != nil {
				return err
			}
		}
		conv, err := tx.GetConversation(ctx, binding.ConversationID)
		if err != nil {
			return err
		}
		receipt.Cost = cost
		receipt.Seq = conv.UnitsBilled
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	if broken {
		return Receipt{}, s.healed(senderID, expected)
	}
	return receipt, nil
}

// End tears down the requester's conversation for both sides. The first
// call from either side performs the reset; later calls get ErrNotBound.
// No points move.
func (s *Sessions) End(ctx context.Context, requesterID string) (Outcome, error) {
	outcome, err := s.end(ctx, requesterID)
	switch {
	case err == nil:
		metrics.RecordSessionEnd("ended")
	case errors.Is(err, apperr.ErrNotBound):
		metrics.RecordSessionEnd("not_bound")
	case errors.Is(err, apperr.ErrBrokenSession):
		metrics.RecordSessionEnd("broken")
	default:
		metrics.RecordSessionEnd("error")
	}
	return outcome, err
}

func (s *Sessions) end(ctx context.Context, requesterID string) (Outcome, error) {
	for i := 0; i < rebindRetries; i++ {
		binding, err := s.currentBinding(ctx, requesterID)
		if err != nil {
			return Outcome{}, err
		}

		outcome, err := s.endLocked(ctx, requesterID, binding)
		if errors.Is(err, errRebound) {
			continue
		}
		return outcome, err
	}
	return Outcome{}, apperr.Wrap(apperr.ErrNotBound, "user %s: binding kept changing", requesterID)
}

func (s *Sessions) endLocked(ctx context.Context, requesterID string, expected models.Binding) (Outcome, error) {
	unlock := s.Locks.Lock(requesterID, expected.PartnerID)
	defer unlock()

	var outcome Outcome
	broken := false
	err := s.Storage.WithTx(ctx, func(tx storage.Storage) error {
		requester, partner, err := loadPair(ctx, tx, requesterID, expected)
		if err != nil {
			return err
		}
		if !models.CheckSymmetry(requester, partner) {
			broken = true
			return healTx(ctx, tx, requesterID, expected)
		}

		if err := tx.UpdateUser(ctx, requesterID, models.UserPatch{
			ConversationCount: models.Ptr(requester.ConversationCount + 1),
		}.Unbind()); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, partner.ID, models.UserPatch{
			ConversationCount: models.Ptr(partner.ConversationCount + 1),
		}.Unbind()); err != nil {
			return err
		}
		if err := tx.CloseConversation(ctx, expected.ConversationID, requesterID); err != nil {
			return err
		}

		outcome = Outcome{
			PartnerID:       partner.ID,
			ConversationID:  expected.ConversationID,
			Initiator:       expected.Initiator,
			RequesterPoints: requester.Points,
			PartnerPoints:   partner.Points,
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if broken {
		return Outcome{}, s.healed(requesterID, expected)
	}

	s.log.Info("conversation ended",
		slog.Uint64("conversation_id", uint64(outcome.ConversationID)),
		slog.String("ended_by", requesterID),
		slog.String("partner_id", outcome.PartnerID),
	)
	return outcome, nil
}

// Binding returns the user's current binding or ErrNotBound.
func (s *Sessions) Binding(ctx context.Context, userID string) (models.Binding, error) {
	return s.currentBinding(ctx, userID)
}

func (s *Sessions) currentBinding(ctx context.Context, userID string) (models.Binding, error) {
	user, err := getUser(ctx, s.Storage, userID)
	if err != nil {
		return models.Binding{}, err
	}
	binding, ok := user.Binding()
	if !ok {
		if user.InConversation {
			// Half-written binding: treat like a broken session.
			return models.Binding{}, s.heal(ctx, userID, models.Binding{})
		}
		return models.Binding{}, apperr.Wrap(apperr.ErrNotBound, "user %s", userID)
	}
	return binding, nil
}

// loadPair re-reads both sides under lock, in ascending id order so that
// row locks taken by the store follow the same order as userlock. errRebound
// means the requester's binding moved on since it was read without the
// lock. A missing partner comes back as nil and fails the symmetry check.
func loadPair(ctx context.Context, tx storage.Storage, userID string, expected models.Binding) (*models.User, *models.User, error) {
	var user, partner *models.User
	for _, id := range lockOrder(userID, expected.PartnerID) {
		if id != userID {
			p, err := tx.GetUser(ctx, id)
			if errors.Is(err, storage.ErrUserNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			partner = p
			continue
		}

		u, err := getUser(ctx, tx, userID)
		if err != nil {
			return nil, nil, err
		}
		binding, ok := u.Binding()
		if !ok {
			return nil, nil, apperr.Wrap(apperr.ErrNotBound, "user %s", userID)
		}
		if binding != expected {
			return nil, nil, errRebound
		}
		user = u
	}
	return user, partner, nil
}

// lockOrder returns the two ids ascending.
func lockOrder(a, b string) []string {
	if b < a {
		return []string{b, a}
	}
	return []string{a, b}
}

// heal force-resets only the given user's binding and closes the
// conversation record, then reports ErrBrokenSession. The caller must not
// hold the user's lock.
func (s *Sessions) heal(ctx context.Context, userID string, binding models.Binding) error {
	unlock := s.Locks.Lock(userID)
	defer unlock()

	err := s.Storage.WithTx(ctx, func(tx storage.Storage) error {
		return healTx(ctx, tx, userID, binding)
	})
	if err != nil {
		return fmt.Errorf("reset broken session for %s: %w", userID, err)
	}
	return s.healed(userID, binding)
}

// healTx unbinds userID inside an open store transaction. The user's lock
// must already be held.
func healTx(ctx context.Context, tx storage.Storage, userID string, binding models.Binding) error {
	if err := tx.UpdateUser(ctx, userID, models.UserPatch{}.Unbind()); err != nil {
		return err
	}
	if binding.ConversationID == 0 {
		return nil
	}
	err := tx.CloseConversation(ctx, binding.ConversationID, userID)
	if errors.Is(err, storage.ErrConversationNotFound) {
		return nil
	}
	return err
}

func (s *Sessions) healed(userID string, binding models.Binding) error {
	s.log.Warn("broken session reset",
		slog.String("user_id", userID),
		slog.String("partner_id", binding.PartnerID),
		slog.Uint64("conversation_id", uint64(binding.ConversationID)),
	)
	return apperr.Wrap(apperr.ErrBrokenSession, "user %s", userID)
}
