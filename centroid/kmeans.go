package centroid

import (
	"math"
	"math/rand"
)

const defaultMaxIter = 25

// trainKMeans runs Lloyd's algorithm over flattened vectors (n*dim) and
// returns k flattened centroids. Vectors are assumed L2-normalized, so the
// assignment metric is maximum dot product; centroids are re-normalized
// after every update step (spherical k-means).
func trainKMeans(vectors []float32, dim, k, maxIter int, rng *rand.Rand) []float32 {
	n := len(vectors) / dim

	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := nearestCentroid(vec, centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Re-seed empty clusters from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
				continue
			}
			normalizeInto(centroids[j*dim:(j+1)*dim], sums[j*dim:(j+1)*dim])
		}
	}

	return centroids
}

// nearestCentroid returns the index of the centroid with the highest dot
// product against vec.
func nearestCentroid(vec, centroids []float32, dim int) int {
	k := len(centroids) / dim
	best := 0
	bestDot := float32(math.Inf(-1))
	for j := 0; j < k; j++ {
		d := dot(vec, centroids[j*dim:(j+1)*dim])
		if d > bestDot {
			bestDot = d
			best = j
		}
	}
	return best
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalizeInto(dst, src []float32) {
	var norm float64
	for _, v := range src {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		copy(dst, src)
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i, v := range src {
		dst[i] = v * inv
	}
}
