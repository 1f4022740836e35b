// Package embedding defines the contract of the external embedding model:
// text in, L2-normalized vector out. The engine never trains or hosts the
// model itself.
package embedding

import "context"

// Embedder produces normalized embedding vectors for text.
type Embedder interface {
	// Embed returns the embedding of text. Vectors are L2-normalized by
	// contract, so cosine similarity reduces to dot product.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim returns the vector dimension the model produces.
	Dim() int

	// ModelID identifies the model; index state is scoped per model id.
	ModelID() string

	// CountTokens returns the model's token count for text.
	CountTokens(text string) int
}
