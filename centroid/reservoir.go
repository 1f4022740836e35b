package centroid

import "math/rand"

// Reservoir collects a uniform bounded sample of training vectors from a
// stream without materializing the full corpus (Algorithm R).
type Reservoir struct {
	capacity int
	dim      int
	seen     int
	buf      []float32
	rng      *rand.Rand
}

// NewReservoir creates a reservoir holding up to capacity vectors of the
// given dimension.
func NewReservoir(capacity, dim int, rng *rand.Rand) *Reservoir {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Reservoir{
		capacity: capacity,
		dim:      dim,
		buf:      make([]float32, 0, capacity*dim),
		rng:      rng,
	}
}

// Add offers one vector to the sample. Vectors with the wrong dimension
// are ignored.
func (r *Reservoir) Add(vec []float32) {
	if len(vec) != r.dim {
		return
	}
	r.seen++

	if len(r.buf) < r.capacity*r.dim {
		r.buf = append(r.buf, vec...)
		return
	}

	j := r.rng.Intn(r.seen)
	if j < r.capacity {
		copy(r.buf[j*r.dim:(j+1)*r.dim], vec)
	}
}

// Len returns the number of vectors currently held.
func (r *Reservoir) Len() int {
	return len(r.buf) / r.dim
}

// Seen returns the number of vectors offered so far.
func (r *Reservoir) Seen() int {
	return r.seen
}

// Sample returns the flattened sampled vectors (Len()*dim). The slice
// aliases the reservoir buffer.
func (r *Reservoir) Sample() []float32 {
	return r.buf
}
