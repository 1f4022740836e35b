package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMeta(ownerID string, epoch uint64, shards int) *OwnerMeta {
	return &OwnerMeta{
		SchemaVersion: SchemaVersion,
		OwnerID:       ownerID,
		ModelID:       "test-model",
		ContentHash:   "deadbeef",
		Epoch:         epoch,
		ShardCount:    shards,
		RowCount:      shards * 10,
		Dim:           64,
		UpdatedAt:     time.Now().UTC(),
	}
}

func testShards(n int) [][]byte {
	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = []byte(fmt.Sprintf("shard-%d-data", i))
	}
	return shards
}

// runStoreTests exercises the Store contract against an implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t)
		meta := newTestMeta("notes/a.md", 1, 2)
		require.NoError(t, s.PutOwner(ctx, meta, testShards(2)))

		got, err := s.GetMeta(ctx, "test-model", "notes/a.md")
		require.NoError(t, err)
		assert.Equal(t, meta.Epoch, got.Epoch)
		assert.Equal(t, meta.ContentHash, got.ContentHash)
		assert.Equal(t, 2, got.ShardCount)

		shard, err := s.GetShard(ctx, "test-model", "notes/a.md", 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("shard-1-data"), shard)
	})

	t.Run("missing owner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetMeta(ctx, "test-model", "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetShard(ctx, "test-model", "nope", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stale epoch rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutOwner(ctx, newTestMeta("o", 5, 1), testShards(1)))

		err := s.PutOwner(ctx, newTestMeta("o", 5, 1), testShards(1))
		assert.ErrorIs(t, err, ErrStaleEpoch)

		err = s.PutOwner(ctx, newTestMeta("o", 4, 1), testShards(1))
		assert.ErrorIs(t, err, ErrStaleEpoch)

		require.NoError(t, s.PutOwner(ctx, newTestMeta("o", 6, 1), testShards(1)))
	})

	t.Run("newer epoch shrinks shard set", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutOwner(ctx, newTestMeta("o", 1, 3), testShards(3)))
		require.NoError(t, s.PutOwner(ctx, newTestMeta("o", 2, 1), testShards(1)))

		_, err := s.GetShard(ctx, "test-model", "o", 0)
		require.NoError(t, err)
		_, err = s.GetShard(ctx, "test-model", "o", 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("shard count mismatch", func(t *testing.T) {
		s := newStore(t)
		err := s.PutOwner(ctx, newTestMeta("o", 1, 3), testShards(2))
		assert.Error(t, err)
	})

	t.Run("delete owner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutOwner(ctx, newTestMeta("o", 1, 1), testShards(1)))
		require.NoError(t, s.DeleteOwner(ctx, "test-model", "o"))

		_, err := s.GetMeta(ctx, "test-model", "o")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is not an error.
		assert.NoError(t, s.DeleteOwner(ctx, "test-model", "o"))
	})

	t.Run("list owners paginates", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			meta := newTestMeta(fmt.Sprintf("owner-%d", i), 1, 1)
			require.NoError(t, s.PutOwner(ctx, meta, testShards(1)))
		}

		seen := map[string]bool{}
		cursor := ""
		pages := 0
		for {
			page, err := s.ListOwners(ctx, "test-model", ListOptions{Cursor: cursor, Limit: 2})
			require.NoError(t, err)
			pages++
			for _, m := range page.Owners {
				assert.False(t, seen[m.OwnerID], "owner %s listed twice", m.OwnerID)
				seen[m.OwnerID] = true
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		assert.Len(t, seen, 5)
		assert.GreaterOrEqual(t, pages, 3)
	})

	t.Run("list other model empty", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutOwner(ctx, newTestMeta("o", 1, 1), testShards(1)))

		page, err := s.ListOwners(ctx, "other-model", ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, page.Owners)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("payloads", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetPayload(ctx, "centroids/test-model.bin")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutPayload(ctx, "centroids/test-model.bin", []byte("payload")))
		data, err := s.GetPayload(ctx, "centroids/test-model.bin")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)

		require.NoError(t, s.DeletePayload(ctx, "centroids/test-model.bin"))
		_, err = s.GetPayload(ctx, "centroids/test-model.bin")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is not an error.
		assert.NoError(t, s.DeletePayload(ctx, "centroids/test-model.bin"))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestLocalStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewLocalStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestOwnerMetaValidate(t *testing.T) {
	meta := newTestMeta("o", 1, 1)
	require.NoError(t, meta.Validate())

	bad := *meta
	bad.OwnerID = ""
	assert.Error(t, bad.Validate())

	bad = *meta
	bad.Dim = 0
	assert.Error(t, bad.Validate())

	bad = *meta
	bad.SchemaVersion = SchemaVersion + 1
	assert.ErrorIs(t, bad.Validate(), ErrSchemaVersion)
}

func TestOwnerKeyStable(t *testing.T) {
	assert.Equal(t, OwnerKey("notes/a.md"), OwnerKey("notes/a.md"))
	assert.NotEqual(t, OwnerKey("notes/a.md"), OwnerKey("notes/b.md"))
	assert.Len(t, OwnerKey("anything"), 32)
}
