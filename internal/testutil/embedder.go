package testutil

import (
	"context"
	"hash/fnv"
)

// HashEmbedder produces deterministic embeddings from text content, so
// tests get stable, distinguishable vectors without a provider.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder creates an embedder yielding dim-length vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dim)
	h := fnv.New32a()
	for i := range vec {
		h.Write([]byte(text))
		vec[i] = float32(h.Sum32()%1000)/1000.0 + 0.001
	}
	return vec, nil
}

func (e *HashEmbedder) Dimension() int { return e.Dim }
