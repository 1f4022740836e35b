package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

// Mock is a deterministic Embedder for tests: the vector for a text is a
// normalized blend of per-token direction vectors, so texts sharing tokens
// embed close together and repeated calls are identical.
type Mock struct {
	dim     int
	modelID string
}

// NewMock creates a mock embedder with the given dimension.
func NewMock(dim int) *Mock {
	return &Mock{dim: dim, modelID: "mock-embedder"}
}

// Embed returns a deterministic normalized vector for text.
func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for i := range vec {
			vec[i] += float32(rng.NormFloat64())
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// Dim returns the configured dimension.
func (m *Mock) Dim() int {
	return m.dim
}

// ModelID returns the mock model id.
func (m *Mock) ModelID() string {
	return m.modelID
}

// CountTokens counts whitespace-separated tokens.
func (m *Mock) CountTokens(text string) int {
	return len(strings.Fields(text))
}
