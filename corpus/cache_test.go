package corpus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/semdex/quantization"
	"github.com/hupe1980/semdex/resource"
	"github.com/hupe1980/semdex/shard"
	"github.com/hupe1980/semdex/storage"
	"github.com/hupe1980/semdex/testutil"
)

const testModel = "test-model"

func seedOwner(t *testing.T, store storage.Store, ownerID string, epoch uint64, vectors [][]float32) {
	t.Helper()
	seedOwnerEpochs(t, store, ownerID, epoch, epoch, vectors)
}

// seedOwnerEpochs writes shards at shardEpoch while metadata claims
// metaEpoch, so staleness handling can be exercised.
func seedOwnerEpochs(t *testing.T, store storage.Store, ownerID string, shardEpoch, metaEpoch uint64, vectors [][]float32) {
	t.Helper()

	batch := quantization.Quantize(vectors)
	meta := make([]shard.MetaRow, len(vectors))
	for i := range meta {
		meta[i] = shard.MetaRow{
			OwnerID:     ownerID,
			ContentHash: "hash-" + ownerID,
			StartOffset: i * 100,
			Length:      100,
		}
	}

	codec := shard.New()
	shards, err := codec.Encode(shardEpoch, batch, meta)
	require.NoError(t, err)

	require.NoError(t, store.PutOwner(context.Background(), &storage.OwnerMeta{
		SchemaVersion: storage.SchemaVersion,
		OwnerID:       ownerID,
		ModelID:       testModel,
		ContentHash:   "hash-" + ownerID,
		Epoch:         metaEpoch,
		ShardCount:    len(shards),
		RowCount:      len(vectors),
		Dim:           batch.Dim,
		UpdatedAt:     time.Now().UTC(),
	}, shards))
}

func TestCache_BuildAndSearch(t *testing.T) {
	rng := testutil.NewRNG(1)
	store := storage.NewMemoryStore()

	vecsA := rng.NormalizedVectors(5, 16)
	vecsB := rng.NormalizedVectors(3, 16)
	seedOwner(t, store, "a.md", 1, vecsA)
	seedOwner(t, store, "b.md", 1, vecsB)

	cache := NewCache(store, testModel)
	_, err := cache.Search(quantization.QuantizeOne(vecsA[0]), 3, 0)
	assert.ErrorIs(t, err, ErrNotBuilt)

	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md", "b.md", "missing.md"}, 16, nil))
	assert.True(t, cache.Built())
	assert.Equal(t, 8, cache.Len())
	assert.Equal(t, 16, cache.Dim())

	// Self-query ranks the queried item first with near-perfect score.
	results, err := cache.Search(quantization.QuantizeOne(vecsB[1]), 3, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "b.md", results[0].Meta.OwnerID)
	assert.Equal(t, 100, results[0].Meta.StartOffset)
	assert.InDelta(t, 1.0, float64(results[0].Score), 0.02)

	// Scores are descending.
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestCache_EnsureBuiltIdempotent(t *testing.T) {
	rng := testutil.NewRNG(2)
	store := storage.NewMemoryStore()
	seedOwner(t, store, "a.md", 1, rng.NormalizedVectors(4, 8))

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md"}, 8, nil))

	// Mutate storage behind the cache's back; same-dim EnsureBuilt must
	// not rebuild.
	seedOwner(t, store, "b.md", 1, rng.NormalizedVectors(4, 8))
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md", "b.md"}, 8, nil))
	assert.Equal(t, 4, cache.Len())

	// A dimension change does rebuild.
	seedOwner(t, store, "c.md", 1, rng.NormalizedVectors(2, 16))
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"c.md"}, 16, nil))
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 16, cache.Dim())
}

func TestCache_StaleEpochIgnored(t *testing.T) {
	rng := testutil.NewRNG(3)
	store := storage.NewMemoryStore()
	seedOwnerEpochs(t, store, "stale.md", 1, 2, rng.NormalizedVectors(4, 8))
	seedOwner(t, store, "fresh.md", 1, rng.NormalizedVectors(3, 8))

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"stale.md", "fresh.md"}, 8, nil))

	// Stale owner contributes nothing.
	assert.Equal(t, 3, cache.Len())
}

func TestCache_DimMismatchedOwnerSkipped(t *testing.T) {
	rng := testutil.NewRNG(4)
	store := storage.NewMemoryStore()
	seedOwner(t, store, "wide.md", 1, rng.NormalizedVectors(4, 32))
	seedOwner(t, store, "ok.md", 1, rng.NormalizedVectors(2, 8))

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"wide.md", "ok.md"}, 8, nil))
	assert.Equal(t, 2, cache.Len())
}

func TestCache_UpdateOwnerDeletion(t *testing.T) {
	rng := testutil.NewRNG(5)
	store := storage.NewMemoryStore()
	vecsA := rng.NormalizedVectors(5, 8)
	seedOwner(t, store, "a.md", 1, vecsA)
	seedOwner(t, store, "b.md", 1, rng.NormalizedVectors(3, 8))

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md", "b.md"}, 8, nil))
	require.Equal(t, 8, cache.Len())

	require.NoError(t, cache.UpdateOwner("a.md", nil))

	// Size decreases by exactly the owner's prior item count, and the
	// owner never appears in results again.
	assert.Equal(t, 3, cache.Len())
	results, err := cache.Search(quantization.QuantizeOne(vecsA[0]), 10, -1)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a.md", r.Meta.OwnerID)
	}
}

func TestCache_UpdateOwnerReplace(t *testing.T) {
	rng := testutil.NewRNG(6)
	store := storage.NewMemoryStore()
	seedOwner(t, store, "a.md", 1, rng.NormalizedVectors(2, 8))

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md"}, 8, nil))

	// Re-embed the owner with new content.
	newVecs := rng.NormalizedVectors(4, 8)
	batch := quantization.Quantize(newVecs)
	meta := make([]shard.MetaRow, 4)
	for i := range meta {
		meta[i] = shard.MetaRow{OwnerID: "a.md", ContentHash: "v2", StartOffset: i}
	}
	codec := shard.New()
	encoded, err := codec.Encode(2, batch, meta)
	require.NoError(t, err)

	decoded := make([]*shard.Shard, len(encoded))
	for i, data := range encoded {
		sh, err := shard.New().Decode(data)
		require.NoError(t, err)
		decoded[i] = sh
	}

	require.NoError(t, cache.UpdateOwner("a.md", decoded))
	assert.Equal(t, 4, cache.Len())

	results, err := cache.Search(quantization.QuantizeOne(newVecs[0]), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].Meta.ContentHash)
}

func TestCache_UpdateOwnerBeforeBuildIsNoop(t *testing.T) {
	cache := NewCache(storage.NewMemoryStore(), testModel)
	require.NoError(t, cache.UpdateOwner("a.md", nil))
	assert.False(t, cache.Built())
}

func TestCache_SearchOwners(t *testing.T) {
	rng := testutil.NewRNG(7)
	store := storage.NewMemoryStore()
	vecs := rng.NormalizedVectors(4, 8)
	seedOwner(t, store, "a.md", 1, vecs[:2])
	seedOwner(t, store, "b.md", 1, vecs[2:])

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md", "b.md"}, 8, nil))

	results, err := cache.SearchOwners(quantization.QuantizeOne(vecs[0]), []string{"b.md"}, 10, -1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "b.md", r.Meta.OwnerID)
	}
}

func TestCache_MemoryCeiling(t *testing.T) {
	rng := testutil.NewRNG(8)
	store := storage.NewMemoryStore()
	seedOwner(t, store, "a.md", 1, rng.NormalizedVectors(100, 64))

	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 1024})
	cache := NewCache(store, testModel, WithController(ctrl))

	err := cache.EnsureBuilt(context.Background(), []string{"a.md"}, 64, nil)
	assert.ErrorIs(t, err, ErrMemoryCeiling)
	assert.False(t, cache.Built())
	assert.Equal(t, int64(0), ctrl.MemoryUsage())
}

func TestCache_InvalidateReleasesMemory(t *testing.T) {
	rng := testutil.NewRNG(9)
	store := storage.NewMemoryStore()
	seedOwner(t, store, "a.md", 1, rng.NormalizedVectors(10, 8))

	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	cache := NewCache(store, testModel, WithController(ctrl))
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md"}, 8, nil))
	assert.Positive(t, ctrl.MemoryUsage())

	cache.Invalidate()
	assert.False(t, cache.Built())
	assert.Equal(t, int64(0), ctrl.MemoryUsage())
}

func TestCache_Progress(t *testing.T) {
	rng := testutil.NewRNG(10)
	store := storage.NewMemoryStore()
	owners := make([]string, 10)
	for i := range owners {
		owners[i] = fmt.Sprintf("owner-%d.md", i)
		seedOwner(t, store, owners[i], 1, rng.NormalizedVectors(2, 8))
	}

	cache := NewCache(store, testModel, WithHydrationConcurrency(2))

	var calls int
	var final bool
	require.NoError(t, cache.EnsureBuilt(context.Background(), owners, 8, func(processed, total int, stage string) {
		calls++
		assert.Equal(t, 10, total)
		assert.Equal(t, "hydrate", stage)
		if processed == total {
			final = true
		}
	}))
	assert.Positive(t, calls)
	assert.True(t, final)
}

func TestCache_QueryDimMismatch(t *testing.T) {
	rng := testutil.NewRNG(11)
	store := storage.NewMemoryStore()
	seedOwner(t, store, "a.md", 1, rng.NormalizedVectors(2, 8))

	cache := NewCache(store, testModel)
	require.NoError(t, cache.EnsureBuilt(context.Background(), []string{"a.md"}, 8, nil))

	_, err := cache.Search(quantization.QuantizeOne(make([]float32, 16)), 3, 0)
	assert.ErrorIs(t, err, ErrDimMismatch)
}

func TestEstimateMemory(t *testing.T) {
	assert.Equal(t, int64(0), EstimateMemory(0, 64))
	// Estimate covers at least the raw vector bytes plus margin.
	assert.Greater(t, EstimateMemory(1000, 64), int64(1000*64))
}
