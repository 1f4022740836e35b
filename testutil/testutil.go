// Package testutil provides deterministic test helpers: seeded random
// number generation and normalized embedding-like vectors.
//
// This package is intended for use in tests and benchmarks only.
package testutil

import (
	"math"
	"math/rand"
	"sync"
)

// RNG is a seeded, thread-safe random number generator.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// FillGaussian fills vec with standard normal values.
func (r *RNG) FillGaussian(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = float32(r.rand.NormFloat64())
	}
}

// NormalizedVector returns a random unit-length vector, matching the
// contract of embedding model output.
func (r *RNG) NormalizedVector(dim int) []float32 {
	vec := make([]float32, dim)
	r.FillGaussian(vec)
	Normalize(vec)
	return vec
}

// NormalizedVectors returns n random unit-length vectors.
func (r *RNG) NormalizedVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = r.NormalizedVector(dim)
	}
	return out
}

// Normalize scales vec to unit L2 length in place. Zero vectors are left
// unchanged.
func Normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}
