package matchmaking_test

import (
	"context"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Join(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, store storage.Storage) string
		wantErr error
	}{
		{
			name:    "Unknown user",
			setup:   func(t *testing.T, store storage.Storage) string { return "ghost" },
			wantErr: apperr.ErrNotRegistered,
		},
		{
			name: "Incomplete profile",
			setup: func(t *testing.T, store storage.Storage) string {
				return addUser(t, store, incomplete)
			},
			wantErr: apperr.ErrProfileIncomplete,
		},
		{
			name: "Already in a conversation",
			setup: func(t *testing.T, store storage.Storage) string {
				id := addUser(t, store)
				require.NoError(t, store.UpdateUser(context.Background(), id,
					models.UserPatch{}.Bind(models.Binding{PartnerID: "other", Initiator: true, ConversationID: 1})))
				return id
			},
			wantErr: apperr.ErrAlreadyBound,
		},
		{
			name:  "Complete profile",
			setup: func(t *testing.T, store storage.Storage) string { return addUser(t, store) },
		},
		{
			name:  "Already pooled",
			setup: func(t *testing.T, store storage.Storage) string { return addUser(t, store, pooled) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			e, store := newEngine(t)
			id := tt.setup(t, store)

			// Act
			err := e.Pool.Join(context.Background(), id)

			// Assert
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, getUser(t, store, id).InPool)
		})
	}
}

func TestPool_Leave(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()
	id := addUser(t, store, pooled)

	require.NoError(t, e.Pool.Leave(ctx, id))
	assert.False(t, getUser(t, store, id).InPool)

	require.NoError(t, e.Pool.Leave(ctx, id), "leaving twice is harmless")
	assert.ErrorIs(t, e.Pool.Leave(ctx, "ghost"), apperr.ErrNotRegistered)
}

func TestPool_Search(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	requester := addUser(t, store, pooled)
	male := addUser(t, store, pooled, withProfile(models.GenderMale, models.Age18to24))
	female := addUser(t, store, pooled, withProfile(models.GenderFemale, models.Age18to24))
	older := addUser(t, store, pooled, withProfile(models.GenderFemale, models.Age45Plus))
	addUser(t, store, withProfile(models.GenderFemale, models.Age18to24)) // not pooled
	addUser(t, store, pooled, incomplete)
	bound := addUser(t, store, pooled)
	require.NoError(t, store.UpdateUser(ctx, bound,
		models.UserPatch{}.Bind(models.Binding{PartnerID: "x", Initiator: false, ConversationID: 3})))

	tests := []struct {
		name   string
		filter models.Filter
		want   []string
	}{
		{name: "Any", filter: models.Filter{}, want: []string{male, female, older}},
		{name: "Gender only", filter: models.Filter{Gender: models.GenderFemale}, want: []string{female, older}},
		{name: "Age only", filter: models.Filter{AgeGroup: models.Age18to24}, want: []string{male, female}},
		{name: "Both", filter: models.Filter{Gender: models.GenderMale, AgeGroup: models.Age18to24}, want: []string{male}},
		{name: "Nobody", filter: models.Filter{Gender: models.GenderMale, AgeGroup: models.Age45Plus}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slices.Collect(e.Pool.Search(ctx, requester, tt.filter))

			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Stops early without mutating", func(t *testing.T) {
		var first string
		for id := range e.Pool.Search(ctx, requester, models.Filter{}) {
			first = id
			break
		}

		assert.Equal(t, male, first)
		assert.True(t, getUser(t, store, male).InPool)
	})
}

func TestPool_MirrorsIndex(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	index := storage.NewRedisIndex(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	store := storage.NewMemoryStore()
	e := matchmaking.NewEngine(store, index, testTariff, 0, testLogger())
	ctx := context.Background()

	a := addUser(t, store)
	b := addUser(t, store)

	// Act
	require.NoError(t, e.Pool.Join(ctx, a))
	require.NoError(t, e.Pool.Join(ctx, b))

	// Assert
	assert.Equal(t, int64(2), e.Pool.Size(ctx))

	_, err := e.Matcher.TryPair(ctx, a, models.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Pool.Size(ctx), "paired users leave the mirror")

	t.Run("Store remains the source of truth when redis is down", func(t *testing.T) {
		c := addUser(t, store)
		mr.Close()

		err := e.Pool.Join(ctx, c)

		assert.NoError(t, err)
		assert.True(t, getUser(t, store, c).InPool)
		assert.Equal(t, int64(-1), e.Pool.Size(ctx))
	})
}
