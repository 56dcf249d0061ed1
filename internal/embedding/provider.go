// Package embedding defines the vector provider boundary: recall and
// consolidation consume embeddings through the Provider interface and never
// care where the vectors come from.
package embedding

import "context"

// Provider generates embedding vectors for text. Implementations must report
// failures as errors; callers decide whether to fall back to graph-only
// operation.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Name() string
	Dimensions() int
}
