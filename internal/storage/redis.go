package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	poolKey         = "lomitalk:pool"
	onlineKey       = "lomitalk:online"
	deliveryChannel = "lomitalk:deliver"
)

// RedisIndex mirrors pool membership and connection presence in Redis and
// relays messages between server instances. The profile store stays the
// source of truth; everything here is best effort.
type RedisIndex struct {
	Redis *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{Redis: rdb}
}

func (r *RedisIndex) AddToPool(ctx context.Context, userID string) error {
	return r.Redis.SAdd(ctx, poolKey, userID).Err()
}

func (r *RedisIndex) RemoveFromPool(ctx context.Context, userID string) error {
	return r.Redis.SRem(ctx, poolKey, userID).Err()
}

func (r *RedisIndex) PoolSize(ctx context.Context) (int64, error) {
	return r.Redis.SCard(ctx, poolKey).Result()
}

func (r *RedisIndex) PoolMembers(ctx context.Context) ([]string, error) {
	return r.Redis.SMembers(ctx, poolKey).Result()
}

// SetOnline records that userID has a live connection on some instance.
func (r *RedisIndex) SetOnline(ctx context.Context, userID string, online bool) error {
	if online {
		return r.Redis.SAdd(ctx, onlineKey, userID).Err()
	}
	return r.Redis.SRem(ctx, onlineKey, userID).Err()
}

func (r *RedisIndex) IsOnline(ctx context.Context, userID string) (bool, error) {
	return r.Redis.SIsMember(ctx, onlineKey, userID).Result()
}

// Publish hands msg to whichever instance holds the recipient's connection.
func (r *RedisIndex) Publish(ctx context.Context, msg models.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.Redis.Publish(ctx, deliveryChannel, payload).Err()
}

// Subscribe streams relayed messages until ctx is cancelled.
func (r *RedisIndex) Subscribe(ctx context.Context, log *slog.Logger) <-chan models.ChatMessage {
	if log == nil {
		log = slog.Default()
	}
	out := make(chan models.ChatMessage)
	pubsub := r.Redis.Subscribe(ctx, deliveryChannel)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var chatMsg models.ChatMessage
				if err := json.Unmarshal([]byte(msg.Payload), &chatMsg); err != nil {
					log.Warn("dropping malformed relayed message", slog.Any("error", err))
					continue
				}
				select {
				case out <- chatMsg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
