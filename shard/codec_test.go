package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/semdex/quantization"
)

func testBatch(t *testing.T, rows, dim int) (*quantization.Batch, []MetaRow) {
	t.Helper()

	vectors := make([][]float32, rows)
	meta := make([]MetaRow, rows)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(i+1) * 0.01 * float32(j%7-3)
		}
		vectors[i] = v
		meta[i] = MetaRow{
			OwnerID:      "notes/example.md",
			ContentHash:  "abcdef0123456789",
			StartOffset:  i * 100,
			Length:       100,
			HeadingLevel: i % 4,
			HeadingTitle: "Section",
			LineNumber:   i * 5,
		}
	}
	return quantization.Quantize(vectors), meta
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		codec := New(WithCompression(ct))
		batch, meta := testBatch(t, 12, 32)

		encoded, err := codec.Encode(7, batch, meta)
		require.NoError(t, err)
		require.Len(t, encoded, 1)

		decoded, err := codec.Decode(encoded[0])
		require.NoError(t, err)

		assert.Equal(t, uint64(7), decoded.Epoch)
		assert.Equal(t, 32, decoded.Dim)
		assert.Equal(t, 12, decoded.RowCount)
		assert.Equal(t, batch.Values, decoded.Vectors)
		assert.Equal(t, batch.Scales, decoded.Scales)
		assert.Equal(t, meta, decoded.Meta)
	}
}

func TestCodec_SplitsOverBudget(t *testing.T) {
	dim := 64
	rows := 100
	batch, meta := testBatch(t, rows, dim)

	// Budget fits roughly 20 rows per shard.
	rowCost := dim + 4 + metaRowSize(meta[0])
	codec := New(WithMaxShardBytes(headerSize + 3*blockHeaderSize + 20*rowCost))

	encoded, err := codec.Encode(1, batch, meta)
	require.NoError(t, err)
	require.Equal(t, 5, len(encoded))

	// Every row must be covered, in order.
	total := 0
	for _, data := range encoded {
		sh, err := codec.Decode(data)
		require.NoError(t, err)
		for i := 0; i < sh.RowCount; i++ {
			_, m := sh.Row(i)
			assert.Equal(t, (total+i)*100, m.StartOffset)
		}
		total += sh.RowCount
	}
	assert.Equal(t, rows, total)
}

func TestCodec_SingleRowAlwaysFits(t *testing.T) {
	// A budget smaller than one row must still emit one row per shard
	// rather than dropping data.
	batch, meta := testBatch(t, 3, 128)
	codec := New(WithMaxShardBytes(16))

	encoded, err := codec.Encode(1, batch, meta)
	require.NoError(t, err)
	assert.Len(t, encoded, 3)
}

func TestCodec_RowMismatch(t *testing.T) {
	batch, meta := testBatch(t, 4, 8)
	codec := New()

	_, err := codec.Encode(1, batch, meta[:3])
	assert.ErrorIs(t, err, ErrRowMismatch)
}

func TestCodec_EmptyBatch(t *testing.T) {
	codec := New()
	encoded, err := codec.Encode(1, &quantization.Batch{}, nil)
	require.NoError(t, err)
	assert.Nil(t, encoded)
}

func TestCodec_DecodeCorrupt(t *testing.T) {
	codec := New()

	_, err := codec.Decode([]byte("short"))
	assert.ErrorIs(t, err, ErrCorrupt)

	batch, meta := testBatch(t, 2, 4)
	encoded, err := codec.Encode(1, batch, meta)
	require.NoError(t, err)

	bad := append([]byte(nil), encoded[0]...)
	bad[0] = 'X'
	_, err = codec.Decode(bad)
	assert.ErrorIs(t, err, ErrCorrupt)

	truncated := encoded[0][:headerSize+3]
	_, err = codec.Decode(truncated)
	assert.Error(t, err)
}

func TestEstimateBytes_Conservative(t *testing.T) {
	batch, meta := testBatch(t, 10, 48)
	codec := New(WithCompression(CompressionNone))

	encoded, err := codec.Encode(1, batch, meta)
	require.NoError(t, err)
	require.Len(t, encoded, 1)

	assert.GreaterOrEqual(t, EstimateBytes(48, 10), len(encoded[0]))
}

func TestEncodeToString_RoundTrip(t *testing.T) {
	batch, meta := testBatch(t, 2, 4)
	codec := New()

	encoded, err := codec.Encode(3, batch, meta)
	require.NoError(t, err)

	s := EncodeToString(encoded[0])
	back, err := DecodeString(s)
	require.NoError(t, err)
	assert.Equal(t, encoded[0], back)
}
