package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/metrics"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
)

const defaultMaxPairAttempts = 5

// errClaimed means the chosen candidate stopped qualifying between the
// search and the bind, usually because another seeker got there first.
var errClaimed = errors.New("candidate claimed")

// Matcher is the only path that binds two users into a conversation.
type Matcher struct {
	Pool        *Pool
	Storage     storage.Storage
	Locks       *userlock.Table
	MaxAttempts int
	log         *slog.Logger
}

func NewMatcher(pool *Pool, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		Pool:        pool,
		Storage:     pool.Storage,
		Locks:       pool.Locks,
		MaxAttempts: defaultMaxPairAttempts,
		log:         log,
	}
}

// TryPair binds the seeker to the first qualifying pool member. The seeker
// becomes the initiator and the candidate the responder. It returns
// apperr.ErrNoMatchFound when nobody qualifies; that is a normal result.
//
// The candidate is re-validated under both users' locks before binding, and
// both sides are written in one store transaction, so a candidate claimed
// concurrently is skipped rather than double-bound.
func (m *Matcher) TryPair(ctx context.Context, seekerID string, filter models.Filter) (string, error) {
	partnerID, err := m.tryPair(ctx, seekerID, filter)
	switch {
	case err == nil:
		metrics.RecordPairing("matched")
	case errors.Is(err, apperr.ErrNoMatchFound):
		metrics.RecordPairing("no_match")
	default:
		metrics.RecordPairing("error")
	}
	return partnerID, err
}

func (m *Matcher) tryPair(ctx context.Context, seekerID string, filter models.Filter) (string, error) {
	if err := m.prepareSeeker(ctx, seekerID, filter); err != nil {
		return "", err
	}

	tried := make(map[string]struct{})
	for attempt := 0; attempt < m.MaxAttempts; attempt++ {
		candidateID, err := m.firstCandidate(ctx, seekerID, filter, tried)
		if err != nil {
			return "", err
		}
		if candidateID == "" {
			return "", apperr.Wrap(apperr.ErrNoMatchFound, "seeker %s", seekerID)
		}

		conv, err := m.bind(ctx, seekerID, candidateID, filter)
		if errors.Is(err, errClaimed) {
			m.log.Debug("candidate claimed concurrently, retrying",
				slog.String("seeker_id", seekerID),
				slog.String("candidate_id", candidateID),
				slog.Int("attempt", attempt+1),
			)
			tried[candidateID] = struct{}{}
			continue
		}
		if err != nil {
			return "", err
		}

		m.Pool.mirror(ctx, seekerID, false)
		m.Pool.mirror(ctx, candidateID, false)
		m.log.Info("users paired",
			slog.String("initiator_id", seekerID),
			slog.String("responder_id", candidateID),
			slog.Uint64("conversation_id", uint64(conv.ID)),
		)
		return candidateID, nil
	}
	return "", apperr.Wrap(apperr.ErrNoMatchFound, "seeker %s: candidates kept being claimed", seekerID)
}

// prepareSeeker checks eligibility and records the filter as the seeker's
// stored preference.
func (m *Matcher) prepareSeeker(ctx context.Context, seekerID string, filter models.Filter) error {
	unlock := m.Locks.Lock(seekerID)
	defer unlock()

	seeker, err := getUser(ctx, m.Storage, seekerID)
	if err != nil {
		return err
	}
	if err := requireSeeker(seeker); err != nil {
		return err
	}
	if seeker.PreferredGender == filter.Gender && seeker.PreferredAgeGroup == filter.AgeGroup {
		return nil
	}
	return m.Storage.UpdateUser(ctx, seekerID, models.UserPatch{
		PreferredGender:   models.Ptr(filter.Gender),
		PreferredAgeGroup: models.Ptr(filter.AgeGroup),
	})
}

func (m *Matcher) firstCandidate(ctx context.Context, seekerID string, filter models.Filter, tried map[string]struct{}) (string, error) {
	var found string
	err := m.Pool.scan(ctx, seekerID, filter, func(id string) bool {
		if _, skip := tried[id]; skip {
			return true
		}
		found = id
		return false
	})
	return found, err
}

func (m *Matcher) bind(ctx context.Context, seekerID, candidateID string, filter models.Filter) (*models.Conversation, error) {
	unlock := m.Locks.Lock(seekerID, candidateID)
	defer unlock()

	var conv *models.Conversation
	err := m.Storage.WithTx(ctx, func(tx storage.Storage) error {
		// Rows are read in lock order so store row locks match userlock.
		var candidate *models.User
		for _, id := range lockOrder(seekerID, candidateID) {
			if id == seekerID {
				seeker, err := getUser(ctx, tx, seekerID)
				if err != nil {
					return err
				}
				if err := requireSeeker(seeker); err != nil {
					return err
				}
				continue
			}

			u, err := tx.GetUser(ctx, candidateID)
			if errors.Is(err, storage.ErrUserNotFound) {
				return errClaimed
			}
			if err != nil {
				return err
			}
			candidate = u
		}
		if !models.Available(candidate) || !filter.Matches(candidate) {
			return errClaimed
		}

		conv = &models.Conversation{InitiatorID: seekerID, ResponderID: candidateID, IsActive: true}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, seekerID, models.UserPatch{}.Bind(models.Binding{
			PartnerID: candidateID, Initiator: true, ConversationID: conv.ID,
		})); err != nil {
			return err
		}
		return tx.UpdateUser(ctx, candidateID, models.UserPatch{}.Bind(models.Binding{
			PartnerID: seekerID, Initiator: false, ConversationID: conv.ID,
		}))
	})
	return conv, err
}

func requireSeeker(u *models.User) error {
	if err := requireComplete(u); err != nil {
		return err
	}
	if err := requireUnbound(u); err != nil {
		return err
	}
	if !u.InPool {
		return apperr.Wrap(apperr.ErrNotInPool, "user %s", u.ID)
	}
	return nil
}
