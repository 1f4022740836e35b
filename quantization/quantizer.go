package quantization

import (
	"math"
)

// maxCode is the symmetric int8 code range. Codes are clamped to
// [-maxCode, maxCode]; -128 is never emitted so negation is always safe.
const maxCode = 127

// QuantizedVector is one q8 row: int8 codes plus a per-row scale.
// The dequantized value of component i is Values[i] * Scale.
type QuantizedVector struct {
	Values []int8
	Scale  float32
}

// Batch holds q8 rows packed into contiguous buffers sharing one dimension.
// Row i occupies Values[i*Dim : (i+1)*Dim] and Scales[i].
type Batch struct {
	Dim    int
	Values []int8
	Scales []float32
}

// Rows returns the number of rows in the batch.
func (b *Batch) Rows() int {
	if b.Dim == 0 {
		return 0
	}
	return len(b.Values) / b.Dim
}

// Row returns a view of row i. The returned slice aliases the batch buffer.
func (b *Batch) Row(i int) QuantizedVector {
	return QuantizedVector{
		Values: b.Values[i*b.Dim : (i+1)*b.Dim],
		Scale:  b.Scales[i],
	}
}

// QuantizeOne quantizes a single float32 vector to q8.
//
// It fails closed on malformed input: non-finite components are replaced with
// zero before quantization, and a row with any invalid component (or with all
// zero magnitude) falls back to Scale=1 so NaN never propagates downstream.
func QuantizeOne(v []float32) QuantizedVector {
	codes := make([]int8, len(v))
	scale := quantizeRow(v, codes)
	return QuantizedVector{Values: codes, Scale: scale}
}

// Quantize quantizes a batch of vectors row-independently.
//
// The dimension is taken from the first row; rows of a different length are
// sanitized to all-zero codes with Scale=1 rather than rejected, matching the
// fail-closed policy of QuantizeOne.
func Quantize(vectors [][]float32) *Batch {
	if len(vectors) == 0 {
		return &Batch{}
	}

	dim := len(vectors[0])
	batch := &Batch{
		Dim:    dim,
		Values: make([]int8, len(vectors)*dim),
		Scales: make([]float32, len(vectors)),
	}

	for i, v := range vectors {
		codes := batch.Values[i*dim : (i+1)*dim]
		if len(v) != dim {
			batch.Scales[i] = 1
			continue
		}
		batch.Scales[i] = quantizeRow(v, codes)
	}

	return batch
}

// quantizeRow writes q8 codes for v into codes and returns the row scale.
func quantizeRow(v []float32, codes []int8) float32 {
	var (
		maxAbs  float32
		invalid bool
	)
	for _, val := range v {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			invalid = true
			continue
		}
		if val < 0 {
			val = -val
		}
		if val > maxAbs {
			maxAbs = val
		}
	}

	if invalid || maxAbs == 0 {
		// Sanitize: zero codes for non-finite components, unit scale for the
		// whole row so the dequantized values stay finite.
		for i, val := range v {
			if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
				codes[i] = 0
				continue
			}
			codes[i] = clampCode(val)
		}
		return 1
	}

	scale := maxAbs / maxCode
	inv := 1 / scale
	for i, val := range v {
		codes[i] = clampCode(val * inv)
	}
	return scale
}

func clampCode(scaled float32) int8 {
	rounded := math.Round(float64(scaled))
	if rounded > maxCode {
		rounded = maxCode
	} else if rounded < -maxCode {
		rounded = -maxCode
	}
	return int8(rounded)
}

// Dequantize reconstructs the float32 vector for a q8 row.
func Dequantize(qv QuantizedVector) []float32 {
	out := make([]float32, len(qv.Values))
	for i, c := range qv.Values {
		out[i] = float32(c) * qv.Scale
	}
	return out
}

// CosineSimilarity computes the cosine similarity between two q8 rows.
//
// Cosine is scale-invariant, so the per-row scales cancel and must not be
// applied here: the dot product and both norms are computed directly over the
// int8 codes and explicitly re-normalized. This stays correct even when the
// source vectors were not unit-norm before quantization.
func CosineSimilarity(a, b []int8) float32 {
	n := len(a)
	if n > len(b) {
		n = len(b)
	}

	var dot, normA, normB int64
	for i := 0; i < n; i++ {
		av := int64(a[i])
		bv := int64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(float64(dot) / (math.Sqrt(float64(normA)) * math.Sqrt(float64(normB))))
}

// CompressionRatio returns the memory compression ratio vs float32 storage
// (4 bytes per dimension down to 1, ignoring the per-row scale).
func CompressionRatio() float64 {
	return 4.0
}
