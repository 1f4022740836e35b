package shard

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the block compression used inside a shard.
type CompressionType uint8

const (
	// CompressionNone stores blocks raw.
	CompressionNone CompressionType = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 CompressionType = 1
	// CompressionZSTD uses ZSTD block compression (better ratio, default).
	CompressionZSTD CompressionType = 2
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block format: [uncompressedSize uint32][compressedSize uint32][data].
// compressedSize == 0 means the data is stored raw. Incompressible blocks
// (ratio > 0.9) are stored raw regardless of the configured compression.
const blockHeaderSize = 8

func appendBlock(dst, data []byte, ct CompressionType) ([]byte, error) {
	var compressed []byte
	switch ct {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		buf := make([]byte, bound)
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n] // n == 0 means incompressible
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(data)))

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		binary.LittleEndian.PutUint32(hdr[4:], 0)
		dst = append(dst, hdr[:]...)
		return append(dst, data...), nil
	}

	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(compressed)))
	dst = append(dst, hdr[:]...)
	return append(dst, compressed...), nil
}

// readBlock decodes the block at data[off:], appending the plain bytes into
// scratch (grow-only reuse). It returns the block contents, the offset past
// the block, and the (possibly grown) scratch buffer.
func readBlock(data []byte, off int, ct CompressionType, scratch []byte) ([]byte, int, []byte, error) {
	if off+blockHeaderSize > len(data) {
		return nil, 0, scratch, errors.New("shard: block truncated")
	}

	uncompressedSize := int(binary.LittleEndian.Uint32(data[off:]))
	compressedSize := int(binary.LittleEndian.Uint32(data[off+4:]))
	off += blockHeaderSize

	if compressedSize == 0 {
		if off+uncompressedSize > len(data) {
			return nil, 0, scratch, errors.New("shard: raw block extends beyond data")
		}
		return data[off : off+uncompressedSize], off + uncompressedSize, scratch, nil
	}

	if off+compressedSize > len(data) {
		return nil, 0, scratch, errors.New("shard: compressed block extends beyond data")
	}
	payload := data[off : off+compressedSize]

	if cap(scratch) < uncompressedSize {
		scratch = make([]byte, uncompressedSize)
	}
	scratch = scratch[:uncompressedSize]

	switch ct {
	case CompressionZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, scratch[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, 0, scratch, err
		}
		if len(out) != uncompressedSize {
			return nil, 0, scratch, errors.New("shard: decompressed size mismatch")
		}
		return out, off + compressedSize, out, nil
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, scratch)
		if err != nil {
			return nil, 0, scratch, err
		}
		if n != uncompressedSize {
			return nil, 0, scratch, errors.New("shard: decompressed size mismatch")
		}
		return scratch[:n], off + compressedSize, scratch, nil
	default:
		return nil, 0, scratch, errors.New("shard: unknown compression type")
	}
}
