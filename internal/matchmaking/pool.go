package matchmaking

import (
	"context"
	"iter"
	"log/slog"
	"lomitalk/backend/internal/metrics"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
)

// PoolIndex mirrors pool membership outside the profile store, e.g. in
// Redis for cross-instance pool size.
type PoolIndex interface {
	AddToPool(ctx context.Context, userID string) error
	RemoveFromPool(ctx context.Context, userID string) error
	PoolSize(ctx context.Context) (int64, error)
}

// Pool is the set of users advertising themselves as matchable.
type Pool struct {
	Storage storage.Storage
	Locks   *userlock.Table
	Index   PoolIndex // optional
	log     *slog.Logger
}

func NewPool(s storage.Storage, locks *userlock.Table, index PoolIndex, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{Storage: s, Locks: locks, Index: index, log: log}
}

// Join puts the user in the pool. Joining twice is harmless.
func (p *Pool) Join(ctx context.Context, userID string) error {
	unlock := p.Locks.Lock(userID)
	user, err := getUser(ctx, p.Storage, userID)
	if err != nil {
		unlock()
		return err
	}
	if err := requireComplete(user); err != nil {
		unlock()
		return err
	}
	if err := requireUnbound(user); err != nil {
		unlock()
		return err
	}
	if !user.InPool {
		err = p.Storage.UpdateUser(ctx, userID, models.UserPatch{InPool: models.Ptr(true)})
	}
	unlock()
	if err != nil {
		return err
	}

	p.mirror(ctx, userID, true)
	p.log.Info("user joined pool", slog.String("user_id", userID))
	return nil
}

// Leave takes the user out of the pool. Leaving when not pooled is harmless.
func (p *Pool) Leave(ctx context.Context, userID string) error {
	unlock := p.Locks.Lock(userID)
	user, err := getUser(ctx, p.Storage, userID)
	if err == nil && user.InPool {
		err = p.Storage.UpdateUser(ctx, userID, models.UserPatch{InPool: models.Ptr(false)})
	}
	unlock()
	if err != nil {
		return err
	}

	p.mirror(ctx, userID, false)
	p.log.Info("user left pool", slog.String("user_id", userID))
	return nil
}

// Search lazily yields ids of users the requester could be paired with
// right now. Every call re-scans the store. Order follows the store's
// insertion order and carries no fairness guarantee. Search never mutates.
func (p *Pool) Search(ctx context.Context, requesterID string, filter models.Filter) iter.Seq[string] {
	return func(yield func(string) bool) {
		if err := p.scan(ctx, requesterID, filter, yield); err != nil {
			p.log.Error("pool search failed", slog.String("requester_id", requesterID), slog.Any("error", err))
		}
	}
}

func (p *Pool) scan(ctx context.Context, requesterID string, filter models.Filter, yield func(string) bool) error {
	return p.Storage.ScanUsers(ctx, true, func(u *models.User) bool {
		if u.ID == requesterID || !models.Available(u) || !filter.Matches(u) {
			return true
		}
		return yield(u.ID)
	})
}

// Size returns the mirrored pool size, or -1 without an index.
func (p *Pool) Size(ctx context.Context) int64 {
	if p.Index == nil {
		return -1
	}
	n, err := p.Index.PoolSize(ctx)
	if err != nil {
		p.log.Warn("pool size unavailable", slog.Any("error", err))
		return -1
	}
	return n
}

func (p *Pool) mirror(ctx context.Context, userID string, in bool) {
	if p.Index == nil {
		return
	}
	var err error
	if in {
		err = p.Index.AddToPool(ctx, userID)
	} else {
		err = p.Index.RemoveFromPool(ctx, userID)
	}
	if err != nil {
		p.log.Warn("pool index update failed", slog.String("user_id", userID), slog.Bool("in_pool", in), slog.Any("error", err))
		return
	}
	if n := p.Size(ctx); n >= 0 {
		metrics.SetPoolSize(n)
	}
}
