// Package matchmaking pairs pooled users into conversations and gates the
// billable units exchanged inside them.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/ledger"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

const maxNicknameLength = 32

// ErrInvalidNickname is returned by SetNickname for empty or overlong names.
var ErrInvalidNickname = errors.New("nickname must be 1 to 32 characters")

// Engine bundles the pool, the matcher, the sessions and the ledger around
// one store and one lock table.
type Engine struct {
	Storage  storage.Storage
	Pool     *Pool
	Matcher  *Matcher
	Sessions *Sessions
	Ledger   *ledger.Ledger

	Bonus int64 // points granted on registration
	log   *slog.Logger
}

func NewEngine(s storage.Storage, index PoolIndex, tariff Tariff, bonus int64, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	locks := userlock.New()
	pool := NewPool(s, locks, index, log)
	return &Engine{
		Storage:  s,
		Pool:     pool,
		Matcher:  NewMatcher(pool, log),
		Sessions: NewSessions(s, locks, tariff, log),
		Ledger:   ledger.New(s, locks, log),
		Bonus:    bonus,
		log:      log,
	}
}

// Register creates a profile with the registration bonus. telegramID may be
// nil for WebSocket-only users. Registering a known Telegram id returns the
// existing profile and created=false.
func (e *Engine) Register(ctx context.Context, telegramID *int64, language string) (user *models.User, created bool, err error) {
	if telegramID != nil {
		existing, err := e.Storage.GetUserByTelegramID(ctx, *telegramID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrUserNotFound) {
			return nil, false, err
		}
	}

	user = &models.User{
		TelegramID: telegramID,
		Nickname:   fmt.Sprintf("user%04d", rand.IntN(9000)+1000),
		Language:   language,
	}
	err = e.Storage.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		if e.Bonus <= 0 {
			return nil
		}
		balance, err := ledger.AdjustTx(ctx, tx, user.ID, e.Bonus, models.TxBonus, ledger.Entry{Memo: "registration bonus"})
		user.Points = balance
		return err
	})
	if errors.Is(err, storage.ErrDuplicate) && telegramID != nil {
		// Lost a registration race for the same Telegram account.
		existing, getErr := e.Storage.GetUserByTelegramID(ctx, *telegramID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("register user: %w", err)
	}

	e.log.Info("user registered", slog.String("user_id", user.ID), slog.Int64("bonus", e.Bonus))
	return user, true, nil
}

// UpdateProfile sets the user's own gender and/or age group. Zero values
// leave the attribute unchanged. The profile is complete once both are set.
func (e *Engine) UpdateProfile(ctx context.Context, userID string, gender models.Gender, age models.AgeGroup) (*models.User, error) {
	if !gender.Valid() || !age.Valid() {
		return nil, fmt.Errorf("profile attributes %q/%q: invalid value", gender, age)
	}

	unlock := e.Pool.Locks.Lock(userID)
	defer unlock()

	user, err := getUser(ctx, e.Storage, userID)
	if err != nil {
		return nil, err
	}

	var patch models.UserPatch
	if gender != models.GenderAny {
		patch.Gender = models.Ptr(gender)
		user.Gender = gender
	}
	if age != models.AgeAny {
		patch.AgeGroup = models.Ptr(age)
		user.AgeGroup = age
	}
	complete := user.Gender != models.GenderAny && user.AgeGroup != models.AgeAny
	if complete != user.ProfileComplete {
		patch.ProfileComplete = models.Ptr(complete)
	}
	if patch.Empty() {
		return user, nil
	}
	if err := e.Storage.UpdateUser(ctx, userID, patch); err != nil {
		return nil, err
	}
	return e.Storage.GetUser(ctx, userID)
}

// SetNickname replaces the generated nickname.
func (e *Engine) SetNickname(ctx context.Context, userID, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || utf8.RuneCountInString(nickname) > maxNicknameLength {
		return ErrInvalidNickname
	}

	unlock := e.Pool.Locks.Lock(userID)
	defer unlock()

	if _, err := getUser(ctx, e.Storage, userID); err != nil {
		return err
	}
	return e.Storage.UpdateUser(ctx, userID, models.UserPatch{Nickname: models.Ptr(nickname)})
}

// SetLanguage stores the user's interface language.
func (e *Engine) SetLanguage(ctx context.Context, userID, language string) error {
	unlock := e.Pool.Locks.Lock(userID)
	defer unlock()

	if _, err := getUser(ctx, e.Storage, userID); err != nil {
		return err
	}
	return e.Storage.UpdateUser(ctx, userID, models.UserPatch{Language: models.Ptr(language)})
}

// Profile returns the stored profile or apperr.ErrNotRegistered.
func (e *Engine) Profile(ctx context.Context, userID string) (*models.User, error) {
	return getUser(ctx, e.Storage, userID)
}

// ProfileByTelegramID resolves a Telegram account to its profile.
func (e *Engine) ProfileByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	user, err := e.Storage.GetUserByTelegramID(ctx, telegramID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotRegistered, "telegram id %d", telegramID)
	}
	return user, err
}

func getUser(ctx context.Context, s storage.Storage, id string) (*models.User, error) {
	user, err := s.GetUser(ctx, id)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, apperr.Wrap(apperr.ErrNotRegistered, "user %s", id)
	}
	return user, err
}

func requireComplete(u *models.User) error {
	if !u.ProfileComplete {
		return apperr.Wrap(apperr.ErrProfileIncomplete, "user %s", u.ID)
	}
	return nil
}

func requireUnbound(u *models.User) error {
	if u.InConversation {
		return apperr.Wrap(apperr.ErrAlreadyBound, "user %s", u.ID)
	}
	return nil
}
