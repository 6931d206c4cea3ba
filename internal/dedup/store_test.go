package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMarkIfNew(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstMarkSucceeds", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)

		fresh, err := store.MarkIfNew(ctx, "EVT_001")
		require.NoError(t, err)
		assert.True(t, fresh)
	})

	t.Run("SecondMarkWithinWindowFails", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)

		_, err := store.MarkIfNew(ctx, "EVT_002")
		require.NoError(t, err)

		fresh, err := store.MarkIfNew(ctx, "EVT_002")
		require.NoError(t, err)
		assert.False(t, fresh)
	})

	t.Run("MarkSucceedsAfterWindowExpires", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		store.now = func() time.Time { return current }

		fresh, err := store.MarkIfNew(ctx, "EVT_003")
		require.NoError(t, err)
		require.True(t, fresh)

		current = current.Add(30 * time.Minute)
		fresh, err = store.MarkIfNew(ctx, "EVT_003")
		require.NoError(t, err)
		assert.False(t, fresh)

		current = current.Add(31 * time.Minute)
		fresh, err = store.MarkIfNew(ctx, "EVT_003")
		require.NoError(t, err)
		assert.True(t, fresh)
	})

	t.Run("DistinctEventsDoNotCollide", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)

		for _, id := range []string{"EVT_010", "EVT_011", "EVT_012"} {
			fresh, err := store.MarkIfNew(ctx, id)
			require.NoError(t, err)
			assert.True(t, fresh)
		}
	})
}

func TestMemoryStoreForget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	_, err := store.MarkIfNew(ctx, "EVT_020")
	require.NoError(t, err)

	require.NoError(t, store.Forget(ctx, "EVT_020"))

	fresh, err := store.MarkIfNew(ctx, "EVT_020")
	require.NoError(t, err)
	assert.True(t, fresh, "forgotten event must be claimable again")
}

func TestMemoryStorePrunesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	for _, id := range []string{"EVT_030", "EVT_031", "EVT_032"} {
		_, err := store.MarkIfNew(ctx, id)
		require.NoError(t, err)
	}

	current = current.Add(2 * time.Minute)
	_, err := store.MarkIfNew(ctx, "EVT_033")
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.seen, 1, "expired entries should be pruned on access")
}
