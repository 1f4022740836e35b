// Package shard packs quantized vectors and per-item metadata into
// size-bounded, transport-safe binary containers.
//
// A shard holds the items of one owner under one embedding model and one
// epoch. Readers discard shards whose epoch does not match the owner's
// current metadata; stale epochs are expected during external sync and are
// not an error.
package shard

import (
	"github.com/hupe1980/semdex/quantization"
)

// MetaRow is the lightweight per-item metadata serialized alongside each
// quantized vector.
type MetaRow struct {
	OwnerID      string
	ContentHash  string
	StartOffset  int
	Length       int
	HeadingLevel int
	HeadingTitle string
	LineNumber   int
}

// Shard is a decoded container of one owner's items.
//
// Invariants enforced on decode: RowCount == len(Meta) and
// len(Vectors) == RowCount*Dim.
type Shard struct {
	Epoch    uint64
	Dim      int
	RowCount int
	Vectors  []int8
	Scales   []float32
	Meta     []MetaRow
}

// Row returns the quantized vector view and metadata of row i.
// The vector slice aliases the shard buffer.
func (s *Shard) Row(i int) (quantization.QuantizedVector, MetaRow) {
	qv := quantization.QuantizedVector{
		Values: s.Vectors[i*s.Dim : (i+1)*s.Dim],
		Scale:  s.Scales[i],
	}
	return qv, s.Meta[i]
}
