package shard

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/semdex/quantization"
)

var (
	// ErrRowMismatch is returned when batch rows and metadata rows disagree.
	ErrRowMismatch = errors.New("shard: vector and metadata row counts differ")

	// ErrCorrupt is returned for containers that fail structural validation.
	ErrCorrupt = errors.New("shard: corrupt container")
)

var magic = [4]byte{'S', 'D', 'X', '1'}

const (
	formatVersion = 1

	// headerSize is magic + version + compression + epoch + dim + rowCount.
	headerSize = 4 + 1 + 1 + 8 + 4 + 4

	// metaRowFixedSize is the fixed portion of an encoded metadata row:
	// three u16 string length prefixes plus offset/length/level/line fields.
	metaRowFixedSize = 3*2 + 4 + 4 + 2 + 4

	// metaRowAllowance is the conservative per-row metadata estimate used by
	// EstimateBytes, covering the variable-length strings.
	metaRowAllowance = 512

	// DefaultMaxShardBytes bounds the uncompressed serialized size of one
	// shard. Compression only shrinks the container, so enforcing the budget
	// on uncompressed size keeps the check conservative.
	DefaultMaxShardBytes = 256 * 1024
)

// Options contains configuration options for a Codec.
type Options struct {
	// Compression selects the block compression. Defaults to ZSTD.
	Compression CompressionType

	// MaxShardBytes is the target maximum serialized size of one shard.
	// Owners whose items exceed it are split across multiple shards; no
	// rows are ever dropped.
	MaxShardBytes int
}

// DefaultOptions contains the default configuration options for a Codec.
var DefaultOptions = Options{
	Compression:   CompressionZSTD,
	MaxShardBytes: DefaultMaxShardBytes,
}

// WithCompression selects the block compression algorithm.
func WithCompression(ct CompressionType) func(o *Options) {
	return func(o *Options) {
		o.Compression = ct
	}
}

// WithMaxShardBytes sets the per-shard byte budget.
func WithMaxShardBytes(n int) func(o *Options) {
	return func(o *Options) {
		if n > 0 {
			o.MaxShardBytes = n
		}
	}
}

// Codec encodes and decodes shard containers.
//
// A Codec reuses grow-only scratch buffers across Decode calls, so it is not
// safe for concurrent use and a decoded Shard's Vectors/Scales slices are
// valid only until the next Decode on the same Codec.
type Codec struct {
	opts Options

	blockScratch []byte
	vecScratch   []int8
	scaleScratch []float32
}

// New creates a Codec.
func New(optFns ...func(o *Options)) *Codec {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Codec{opts: opts}
}

// EstimateBytes conservatively over-estimates the uncompressed serialized
// size of a shard with the given shape, so budget checks never undershoot.
func EstimateBytes(dim, rows int) int {
	return headerSize + 3*blockHeaderSize + rows*(dim+4+metaRowFixedSize+metaRowAllowance)
}

func metaRowSize(m MetaRow) int {
	return metaRowFixedSize + len(m.OwnerID) + len(m.ContentHash) + len(m.HeadingTitle)
}

// Encode serializes the batch into one or more shard containers, each within
// the byte budget. Rows are split across containers in order; every row is
// covered (split policy, never truncation).
func (c *Codec) Encode(epoch uint64, batch *quantization.Batch, meta []MetaRow) ([][]byte, error) {
	rows := batch.Rows()
	if rows != len(meta) {
		return nil, fmt.Errorf("%w: %d vectors, %d meta rows", ErrRowMismatch, rows, len(meta))
	}
	if rows == 0 {
		return nil, nil
	}
	if batch.Dim <= 0 {
		return nil, fmt.Errorf("shard: invalid dimension %d", batch.Dim)
	}

	base := headerSize + 3*blockHeaderSize
	budget := c.opts.MaxShardBytes

	var out [][]byte
	start := 0
	size := base
	for i := 0; i < rows; i++ {
		rowCost := batch.Dim + 4 + metaRowSize(meta[i])
		if i > start && size+rowCost > budget {
			encoded, err := c.encodeRange(epoch, batch, meta, start, i)
			if err != nil {
				return nil, err
			}
			out = append(out, encoded)
			start = i
			size = base
		}
		size += rowCost
	}

	encoded, err := c.encodeRange(epoch, batch, meta, start, rows)
	if err != nil {
		return nil, err
	}
	return append(out, encoded), nil
}

func (c *Codec) encodeRange(epoch uint64, batch *quantization.Batch, meta []MetaRow, start, end int) ([]byte, error) {
	rows := end - start
	dim := batch.Dim

	hdr := make([]byte, headerSize)
	copy(hdr, magic[:])
	hdr[4] = formatVersion
	hdr[5] = byte(c.opts.Compression)
	binary.LittleEndian.PutUint64(hdr[6:], epoch)
	binary.LittleEndian.PutUint32(hdr[14:], uint32(dim))
	binary.LittleEndian.PutUint32(hdr[18:], uint32(rows))

	// Vectors blob: int8 codes reinterpreted as bytes.
	vecBytes := make([]byte, rows*dim)
	src := batch.Values[start*dim : end*dim]
	for i, v := range src {
		vecBytes[i] = byte(v)
	}

	scaleBytes := make([]byte, rows*4)
	for i, s := range batch.Scales[start:end] {
		binary.LittleEndian.PutUint32(scaleBytes[i*4:], math.Float32bits(s))
	}

	metaBytes := encodeMetaRows(meta[start:end])

	out := hdr
	var err error
	if out, err = appendBlock(out, vecBytes, c.opts.Compression); err != nil {
		return nil, err
	}
	if out, err = appendBlock(out, scaleBytes, c.opts.Compression); err != nil {
		return nil, err
	}
	if out, err = appendBlock(out, metaBytes, c.opts.Compression); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeMetaRows(meta []MetaRow) []byte {
	size := 0
	for _, m := range meta {
		size += metaRowSize(m)
	}

	buf := make([]byte, 0, size)
	for _, m := range meta {
		buf = appendString(buf, m.OwnerID)
		buf = appendString(buf, m.ContentHash)
		buf = appendString(buf, m.HeadingTitle)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.StartOffset))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Length))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(m.HeadingLevel))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.LineNumber))
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// Decode parses a shard container, validating the structural invariants.
//
// The returned Shard's Vectors and Scales alias codec scratch buffers; copy
// them out before the next Decode call on this Codec.
func (c *Codec) Decode(data []byte) (*Shard, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if [4]byte(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}

	ct := CompressionType(data[5])
	epoch := binary.LittleEndian.Uint64(data[6:])
	dim := int(binary.LittleEndian.Uint32(data[14:]))
	rows := int(binary.LittleEndian.Uint32(data[18:]))
	if dim <= 0 || rows < 0 {
		return nil, fmt.Errorf("%w: dim=%d rows=%d", ErrCorrupt, dim, rows)
	}

	off := headerSize

	vecBytes, off, scratch, err := readBlock(data, off, ct, c.blockScratch)
	if err != nil {
		return nil, err
	}
	c.blockScratch = scratch
	if len(vecBytes) != rows*dim {
		return nil, fmt.Errorf("%w: vector blob length %d, want %d", ErrCorrupt, len(vecBytes), rows*dim)
	}
	if cap(c.vecScratch) < rows*dim {
		c.vecScratch = make([]int8, rows*dim)
	}
	vectors := c.vecScratch[:rows*dim]
	for i, b := range vecBytes {
		vectors[i] = int8(b)
	}

	scaleBytes, off, _, err := readBlock(data, off, ct, nil)
	if err != nil {
		return nil, err
	}
	if len(scaleBytes) != rows*4 {
		return nil, fmt.Errorf("%w: scale blob length %d, want %d", ErrCorrupt, len(scaleBytes), rows*4)
	}
	if cap(c.scaleScratch) < rows {
		c.scaleScratch = make([]float32, rows)
	}
	scales := c.scaleScratch[:rows]
	for i := range scales {
		scales[i] = math.Float32frombits(binary.LittleEndian.Uint32(scaleBytes[i*4:]))
	}

	metaBytes, _, _, err := readBlock(data, off, ct, nil)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetaRows(metaBytes, rows)
	if err != nil {
		return nil, err
	}

	return &Shard{
		Epoch:    epoch,
		Dim:      dim,
		RowCount: rows,
		Vectors:  vectors,
		Scales:   scales,
		Meta:     meta,
	}, nil
}

func decodeMetaRows(buf []byte, rows int) ([]MetaRow, error) {
	meta := make([]MetaRow, rows)
	off := 0
	for i := range meta {
		var err error
		if meta[i].OwnerID, off, err = readString(buf, off); err != nil {
			return nil, err
		}
		if meta[i].ContentHash, off, err = readString(buf, off); err != nil {
			return nil, err
		}
		if meta[i].HeadingTitle, off, err = readString(buf, off); err != nil {
			return nil, err
		}
		if off+14 > len(buf) {
			return nil, fmt.Errorf("%w: meta row %d truncated", ErrCorrupt, i)
		}
		meta[i].StartOffset = int(binary.LittleEndian.Uint32(buf[off:]))
		meta[i].Length = int(binary.LittleEndian.Uint32(buf[off+4:]))
		meta[i].HeadingLevel = int(binary.LittleEndian.Uint16(buf[off+8:]))
		meta[i].LineNumber = int(binary.LittleEndian.Uint32(buf[off+10:]))
		off += 14
	}
	if off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing metadata bytes", ErrCorrupt, len(buf)-off)
	}
	return meta, nil
}

func readString(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", 0, fmt.Errorf("%w: string length truncated", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("%w: string body truncated", ErrCorrupt)
	}
	return string(buf[off : off+n]), off + n, nil
}

// EncodeToString wraps an encoded shard in text-safe base64 for transports
// that cannot carry raw binary.
func EncodeToString(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeString reverses EncodeToString.
func DecodeString(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
