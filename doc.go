// Package semdex is an embeddable hybrid retrieval and indexing engine
// for personal document corpora.
//
// Documents are chunked by the caller, embedded by an external model, and
// indexed as quantized vectors in size-bounded storage shards. Queries
// blend vector similarity, BM25L lexical relevance, reciprocal rank
// fusion, and redundancy-aware MMR selection.
//
// # Quick Start
//
//	store := storage.NewMemoryStore()
//	embedder := myEmbedder // embedding.Embedder implementation
//
//	r, err := semdex.New(store, embedder)
//	if err != nil {
//	    panic(err)
//	}
//
//	err = r.IndexDocument(ctx, "notes/go.md", contentHash, []semdex.Chunk{
//	    {Text: "Go makes concurrency simple", StartOffset: 0, Length: 28},
//	})
//
//	results, err := r.Search(ctx, "concurrency in go", semdex.WithK(5))
//
// Persistent deployments swap the store for storage.LocalStore,
// storage/s3.Store (S3 + DynamoDB), or storage/minio.Store.
//
// # Architecture
//
// Per model id the engine keeps a resident corpus cache (flat quantized
// buffer, brute-force cosine scan) and, for large corpora, a coarse
// quantizer (k-means centroids with a centroid-to-owner reverse index)
// that narrows candidates before the scan. Lexical scores come from an
// in-memory BM25L index maintained alongside the vector state. Ranked
// lists are fused with RRF and diversified with MMR.
package semdex
