package storage_test

import (
	"context"
	"io"
	"log/slog"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisIndex(t *testing.T) *storage.RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedisIndex(client)
}

func TestRedisIndex_Pool(t *testing.T) {
	ctx := context.Background()
	idx := newRedisIndex(t)

	require.NoError(t, idx.AddToPool(ctx, "a"))
	require.NoError(t, idx.AddToPool(ctx, "b"))
	require.NoError(t, idx.AddToPool(ctx, "a"))

	size, err := idx.PoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	require.NoError(t, idx.RemoveFromPool(ctx, "a"))
	members, err := idx.PoolMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestRedisIndex_Presence(t *testing.T) {
	ctx := context.Background()
	idx := newRedisIndex(t)

	online, err := idx.IsOnline(ctx, "a")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, idx.SetOnline(ctx, "a", true))
	online, _ = idx.IsOnline(ctx, "a")
	assert.True(t, online)

	require.NoError(t, idx.SetOnline(ctx, "a", false))
	online, _ = idx.IsOnline(ctx, "a")
	assert.False(t, online)
}

func TestRedisIndex_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx := newRedisIndex(t)

	ch := idx.Subscribe(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))

	msg := models.ChatMessage{SenderID: "a", RecipientID: "b", Type: models.MsgText, Content: "hello"}
	// The subscription is established asynchronously; retry until it is live.
	require.Eventually(t, func() bool {
		if err := idx.Publish(ctx, msg); err != nil {
			return false
		}
		select {
		case got := <-ch:
			return assert.Equal(t, msg, got)
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
