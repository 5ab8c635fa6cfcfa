package rag

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// Embedder converts text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the output vector size.
	Dimension() int
}

// genkitEmbedder bridges a Genkit ai.Embedder to the Embedder interface.
type genkitEmbedder struct {
	embedder  ai.Embedder
	dimension int
}

// NewGenkitEmbedder wraps a Genkit embedder. dimension must match the
// embedding model's output size (and the messages table vector column).
func NewGenkitEmbedder(embedder ai.Embedder, dimension int) Embedder {
	return &genkitEmbedder{embedder: embedder, dimension: dimension}
}

func (e *genkitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return resp.Embeddings[0].Embedding, nil
}

func (e *genkitEmbedder) Dimension() int { return e.dimension }

// zeroEmbedder is the stand-in when no embedding provider is configured.
// It returns an all-zero vector of the configured dimension, never an error,
// so downstream code has no "embeddings disabled" branch: storage and search
// keep working, and zero vectors simply score below any useful threshold.
type zeroEmbedder struct {
	dimension int
}

// NewZeroEmbedder creates the unconfigured-provider fallback embedder.
func NewZeroEmbedder(dimension int) Embedder {
	return &zeroEmbedder{dimension: dimension}
}

func (e *zeroEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, e.dimension), nil
}

func (e *zeroEmbedder) Dimension() int { return e.dimension }
