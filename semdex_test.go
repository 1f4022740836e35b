package semdex

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/semdex/embedding"
	"github.com/hupe1980/semdex/resource"
	"github.com/hupe1980/semdex/storage"
)

func newTestRetriever(t *testing.T, optFns ...Option) (*Retriever, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	r, err := New(store, embedding.NewMock(32), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r, store
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, embedding.NewMock(32))
	require.Error(t, err)

	_, err = New(storage.NewMemoryStore(), nil)
	require.Error(t, err)
}

func TestRetriever_IndexAndSearch(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	require.NoError(t, r.IndexDocument(ctx, "notes/go.md", "h1", []Chunk{
		{Text: "goroutines and channels make concurrency simple", StartOffset: 0, Length: 47},
		{Text: "the select statement multiplexes channel operations", StartOffset: 100, Length: 51},
	}))
	require.NoError(t, r.IndexDocument(ctx, "notes/cooking.md", "h2", []Chunk{
		{Text: "simmer the tomato sauce with fresh basil", StartOffset: 0, Length: 40},
	}))
	require.NoError(t, r.IndexDocument(ctx, "notes/k8s.md", "h3", []Chunk{
		{Text: "a deployment manages replicated pods in the cluster", StartOffset: 0, Length: 51},
	}))

	resp, err := r.Search(ctx, "goroutines channels concurrency", WithK(2))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Approximate)

	top := resp.Results[0]
	assert.Equal(t, "notes/go.md", top.OwnerID)
	assert.Greater(t, top.Score, 0.0)
	assert.NotEmpty(t, top.Contributions)
	assert.Equal(t, "h1", top.ContentHash)
}

func TestRetriever_EmptyCorpus(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	resp, err := r.Search(ctx, "anything at all")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestRetriever_InvalidInput(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	err := r.IndexDocument(ctx, "doc", "h", nil)
	require.ErrorIs(t, err, ErrNoChunks)

	err = r.IndexDocument(ctx, "", "h", []Chunk{{Text: "x"}})
	require.Error(t, err)

	_, err = r.Search(ctx, "query", WithK(0))
	require.ErrorIs(t, err, ErrInvalidK)
}

func TestRetriever_ReindexBumpsEpoch(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRetriever(t)

	chunks := []Chunk{{Text: "distributed consensus with raft", StartOffset: 0, Length: 31}}
	require.NoError(t, r.IndexDocument(ctx, "doc", "v1", chunks))
	require.NoError(t, r.IndexDocument(ctx, "doc", "v2", chunks))

	meta, err := store.GetMeta(ctx, "mock-embedder", "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), meta.Epoch)
	assert.Equal(t, "v2", meta.ContentHash)

	resp, err := r.Search(ctx, "raft consensus", WithK(3))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "v2", resp.Results[0].ContentHash)
}

func TestRetriever_RemoveDocument(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	require.NoError(t, r.IndexDocument(ctx, "keep", "h1", []Chunk{
		{Text: "vector quantization compresses embeddings", StartOffset: 0, Length: 41},
	}))
	require.NoError(t, r.IndexDocument(ctx, "drop", "h2", []Chunk{
		{Text: "quantization error grows with aggressive compression", StartOffset: 0, Length: 52},
	}))

	resp, err := r.Search(ctx, "quantization compression", WithK(5))
	require.NoError(t, err)
	owners := resultOwners(resp)
	assert.Contains(t, owners, "drop")

	require.NoError(t, r.RemoveDocument(ctx, "drop"))

	resp, err = r.Search(ctx, "quantization compression", WithK(5))
	require.NoError(t, err)
	owners = resultOwners(resp)
	assert.NotContains(t, owners, "drop")
	assert.Contains(t, owners, "keep")

	// Removing again is a no-op.
	require.NoError(t, r.RemoveDocument(ctx, "drop"))
}

func TestRetriever_QueryCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t, WithQueryCache(16, 0))

	require.NoError(t, r.IndexDocument(ctx, "doc", "h", []Chunk{
		{Text: "bloom filters trade memory for false positives", StartOffset: 0, Length: 46},
	}))

	_, err := r.Search(ctx, "bloom filters")
	require.NoError(t, err)
	_, err = r.Search(ctx, "bloom filters")
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.QueryCacheHits)

	require.NoError(t, r.IndexDocument(ctx, "other", "h2", []Chunk{
		{Text: "cuckoo hashing resolves collisions by displacement", StartOffset: 0, Length: 50},
	}))

	_, err = r.Search(ctx, "bloom filters")
	require.NoError(t, err)

	stats = r.Stats()
	assert.Equal(t, int64(1), stats.QueryCacheHits, "indexing should have invalidated the cache")
}

func TestRetriever_Closed(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err := r.IndexDocument(ctx, "doc", "h", []Chunk{{Text: "x"}})
	require.ErrorIs(t, err, ErrClosed)

	_, err = r.Search(ctx, "query")
	require.ErrorIs(t, err, ErrClosed)
}

func TestRetriever_ProbedSearchOnLargeCorpus(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t, WithTrainSeed(42))

	topics := []string{
		"goroutine scheduler preemption",
		"btree page splits and merges",
		"tls handshake certificate verification",
		"kafka partition rebalancing",
		"lru eviction under pressure",
	}
	for i := 0; i < 20; i++ {
		chunks := make([]Chunk, 4)
		for j := range chunks {
			topic := topics[(i+j)%len(topics)]
			chunks[j] = Chunk{
				Text:        fmt.Sprintf("%s variant %d section %d", topic, i, j),
				StartOffset: j * 100,
				Length:      80,
			}
		}
		owner := fmt.Sprintf("docs/%02d.md", i)
		require.NoError(t, r.IndexDocument(ctx, owner, "h", chunks))
	}

	require.NoError(t, r.Warm(ctx, nil))

	stats := r.Stats()
	assert.True(t, stats.CacheBuilt)
	assert.Equal(t, 80, stats.ResidentItems)
	require.True(t, stats.CentroidsTrained)
	assert.Equal(t, 8, stats.Nlist)

	resp, err := r.Search(ctx, "goroutine scheduler preemption", WithK(5))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.True(t, resp.Approximate, "large trained corpus should be served probed")
}

func TestRetriever_ContextOwnersBoost(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	text := "error handling with wrapped sentinel errors"
	require.NoError(t, r.IndexDocument(ctx, "a", "h1", []Chunk{
		{Text: text, StartOffset: 0, Length: len(text)},
	}))
	require.NoError(t, r.IndexDocument(ctx, "b", "h2", []Chunk{
		{Text: text, StartOffset: 0, Length: len(text)},
	}))

	resp, err := r.Search(ctx, "wrapped sentinel errors", WithK(2), WithContextOwners("b"))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "b", resp.Results[0].OwnerID)
}

func TestRetriever_MMRSuppressesOverlap(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t)

	require.NoError(t, r.IndexDocument(ctx, "doc", "h", []Chunk{
		{Text: "rust memory safety borrow checker", StartOffset: 0, Length: 100},
		{Text: "rust memory safety ownership rules", StartOffset: 10, Length: 100},
		{Text: "rust memory safety explicit lifetimes", StartOffset: 500, Length: 100},
	}))

	resp, err := r.Search(ctx, "rust memory safety", WithK(5))
	require.NoError(t, err)
	require.Len(t, resp.Results, 2, "heavily overlapping windows should collapse to one")

	offsets := make(map[int]bool)
	for _, res := range resp.Results {
		offsets[res.StartOffset] = true
	}
	assert.False(t, offsets[0] && offsets[10], "windows [0,100) and [10,110) must not both survive")
	assert.True(t, offsets[500])
}

func TestRetriever_EmbedderDimensionMismatch(t *testing.T) {
	ctx := context.Background()

	store := storage.NewMemoryStore()
	r, err := New(store, &truncatingEmbedder{Mock: embedding.NewMock(32)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	err = r.IndexDocument(ctx, "doc", "h", []Chunk{{Text: "some text"}})
	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 32, dimErr.Expected)
	assert.Equal(t, 16, dimErr.Actual)
}

// truncatingEmbedder reports one dimension but emits another.
type truncatingEmbedder struct {
	*embedding.Mock
}

func (e *truncatingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.Mock.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return vec[:16], nil
}

func TestRetriever_SyncExternal(t *testing.T) {
	ctx := context.Background()

	store := storage.NewMemoryStore()
	writer, err := New(store, embedding.NewMock(32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	reader, err := New(store, embedding.NewMock(32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	require.NoError(t, writer.IndexDocument(ctx, "shared/a", "h1", []Chunk{
		{Text: "paxos requires a stable leader for liveness", StartOffset: 0, Length: 43},
	}))
	require.NoError(t, reader.Warm(ctx, nil))

	// A second process writes and deletes behind the reader's back.
	require.NoError(t, writer.IndexDocument(ctx, "shared/b", "h2", []Chunk{
		{Text: "gossip protocols disseminate membership epidemically", StartOffset: 0, Length: 52},
	}))
	require.NoError(t, writer.RemoveDocument(ctx, "shared/a"))

	updated, err := reader.SyncExternal(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, updated, 2)

	resp, err := reader.Search(ctx, "gossip membership protocols", WithK(5))
	require.NoError(t, err)
	owners := resultOwners(resp)
	assert.Contains(t, owners, "shared/b")
	assert.NotContains(t, owners, "shared/a")
}

func TestRetriever_LexicalOnlyOverMemoryCeiling(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRetriever(t, withTinyMemoryLimit())

	require.NoError(t, r.IndexDocument(ctx, "doc", "h", []Chunk{
		{Text: "write ahead logging guarantees durability", StartOffset: 0, Length: 41},
	}))

	resp, err := r.Search(ctx, "write ahead logging")
	require.NoError(t, err)
	assert.True(t, resp.Approximate)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "doc", resp.Results[0].OwnerID)
}

func withTinyMemoryLimit() Option {
	return WithResourceConfig(resource.Config{MemoryLimitBytes: 64})
}

func resultOwners(resp *SearchResponse) []string {
	owners := make([]string, 0, len(resp.Results))
	for _, res := range resp.Results {
		owners = append(owners, res.OwnerID)
	}
	return owners
}

func TestRetriever_CentroidPayloadSurvivesRestart(t *testing.T) {
	ctx := context.Background()

	store := storage.NewMemoryStore()
	first, err := New(store, embedding.NewMock(16), WithTrainSeed(7))
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		chunks := make([]Chunk, 5)
		for j := range chunks {
			chunks[j] = Chunk{
				Text:        fmt.Sprintf("topic %d fragment %d with shared vocabulary", i%4, j),
				StartOffset: j * 60,
				Length:      50,
			}
		}
		require.NoError(t, first.IndexDocument(ctx, fmt.Sprintf("o%d", i), "h", chunks))
	}
	require.NoError(t, first.Warm(ctx, nil))
	require.True(t, first.Stats().CentroidsTrained)
	require.NoError(t, first.Close())

	second, err := New(store, embedding.NewMock(16), WithTrainSeed(7))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	require.NoError(t, second.Warm(ctx, nil))
	stats := second.Stats()
	assert.True(t, stats.CentroidsTrained, "persisted centroid payload should be loaded")
	assert.False(t, stats.PendingCentroidRefresh)

	resp, err := second.Search(ctx, "shared vocabulary fragment", WithK(3))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestRetriever_NotFoundIsNotFatal(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRetriever(t)

	require.NoError(t, r.IndexDocument(ctx, "doc", "h", []Chunk{
		{Text: "content addressable storage dedupes blocks", StartOffset: 0, Length: 42},
	}))

	// A meta read for an unknown owner reports storage.ErrNotFound and the
	// facade treats it as a fresh owner at epoch 1.
	_, err := store.GetMeta(ctx, "mock-embedder", "missing")
	require.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, r.IndexDocument(ctx, "missing", "h2", []Chunk{
		{Text: "merkle trees verify partial content", StartOffset: 0, Length: 35},
	}))
	meta, err := store.GetMeta(ctx, "mock-embedder", "missing")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.Epoch)
}
