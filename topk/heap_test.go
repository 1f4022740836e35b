package topk

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeap_KeepsTrueTopK(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	scores := make([]float32, 500)
	for i := range scores {
		scores[i] = rng.Float32()
	}

	h := New[int](10)
	for i, s := range scores {
		h.Push(s, i)
		require.LessOrEqual(t, h.Len(), 10)
	}

	got := h.DrainDescending()
	require.Len(t, got, 10)

	sorted := append([]float32(nil), scores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	for i, r := range got {
		assert.Equal(t, sorted[i], r.Score)
		if i > 0 {
			assert.GreaterOrEqual(t, got[i-1].Score, r.Score)
		}
	}
}

func TestHeap_FewerThanK(t *testing.T) {
	h := New[string](5)
	h.Push(0.2, "b")
	h.Push(0.9, "a")

	got := h.DrainDescending()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Value)
	assert.Equal(t, "b", got[1].Value)
	assert.Equal(t, 0, h.Len())
}

func TestHeap_MinScoreFloor(t *testing.T) {
	h := New[int](10, WithMinScore(0.5))

	assert.False(t, h.Push(0.49, 1))
	assert.True(t, h.Push(0.5, 2))
	assert.True(t, h.Push(0.51, 3))
	assert.Equal(t, 2, h.Len())
}

func TestHeap_RejectsBelowCurrentMinimumAtCapacity(t *testing.T) {
	h := New[int](2)
	require.True(t, h.Push(0.5, 1))
	require.True(t, h.Push(0.7, 2))

	assert.False(t, h.Push(0.4, 3))
	assert.True(t, h.Push(0.6, 4))

	got := h.DrainDescending()
	assert.Equal(t, float32(0.7), got[0].Score)
	assert.Equal(t, float32(0.6), got[1].Score)
}

func TestHeap_ZeroCapacity(t *testing.T) {
	h := New[int](0)
	assert.False(t, h.Push(1.0, 1))
	assert.Empty(t, h.DrainDescending())
}
