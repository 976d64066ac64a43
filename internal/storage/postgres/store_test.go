package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/storage/postgres"
	"github.com/cory-johannsen/worldrelay/internal/testutil"
)

func newStore(t *testing.T) (*postgres.Store, *testutil.RelayDB) {
	t.Helper()
	db := testutil.NewRelayDB(t)
	require.NoError(t, db.Pool.Health(context.Background(), 5*time.Second))
	return postgres.NewStore(db.Pool.DB()), db
}

func TestPostgresStore(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	t.Run("whitelist folds identities", func(t *testing.T) {
		db.Reset(t)
		require.NoError(t, store.AddWhitelist(ctx, "Alice"))
		require.NoError(t, store.AddWhitelist(ctx, "ALICE"))

		ok, err := store.IsWhitelisted(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)

		names, err := store.ListWhitelist(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"ALICE"}, names)

		require.NoError(t, store.RemoveWhitelist(ctx, "Alice"))
		assert.ErrorIs(t, store.RemoveWhitelist(ctx, "Alice"), storage.ErrNotFound)
	})

	t.Run("ignore list", func(t *testing.T) {
		db.Reset(t)
		require.NoError(t, store.AddIgnored(ctx, "Spammer"))
		ok, err := store.IsIgnored(ctx, "spammer")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.IsIgnored(ctx, "Bob")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keywords", func(t *testing.T) {
		db.Reset(t)
		require.NoError(t, store.AddKeyword(ctx, "u1", "Diamond"))
		require.NoError(t, store.AddKeyword(ctx, "u1", "diamond"))
		require.NoError(t, store.AddKeyword(ctx, "u2", "base"))

		kws, err := store.ListKeywords(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{storage.NormalizeKeyword("Diamond")}, kws)

		all, err := store.AllKeywords(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, store.RemoveKeyword(ctx, "u2", "base"))
		assert.ErrorIs(t, store.RemoveKeyword(ctx, "u2", "base"), storage.ErrNotFound)
	})

	t.Run("players keep the newest sighting", func(t *testing.T) {
		db.Reset(t)
		newer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.TouchPlayer(ctx, "Steve", newer))
		require.NoError(t, store.TouchPlayer(ctx, "steve", newer.Add(-time.Hour)))

		seen, err := store.LastSeen(ctx, "STEVE")
		require.NoError(t, err)
		assert.Equal(t, "steve", seen.Identity)
		assert.True(t, seen.LastSeenAt.Equal(newer))

		_, err = store.LastSeen(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("dialog owners", func(t *testing.T) {
		db.Reset(t)
		rec := storage.DialogOwner{ChannelID: "c1", OwnerID: "u1", Target: "Steve"}
		require.NoError(t, store.SaveDialogOwner(ctx, rec))
		rec.OwnerID = "u2"
		require.NoError(t, store.SaveDialogOwner(ctx, rec))

		got, err := store.DialogOwner(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "u2", got.OwnerID)
		assert.Equal(t, "Steve", got.Target)
		assert.False(t, got.CreatedAt.IsZero())

		require.NoError(t, store.DeleteDialogOwner(ctx, "c1"))
		require.NoError(t, store.DeleteDialogOwner(ctx, "c1"))
		_, err = store.DialogOwner(ctx, "c1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
