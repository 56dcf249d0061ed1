package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/engramd/engram/internal/apperr"
)

// MockProvider is a deterministic in-process provider for tests: the same
// text always maps to the same unit vector, and similar texts do not get
// similar vectors (it is a hash, not a model).
type MockProvider struct {
	Dim  int
	Fail bool // when set, every call returns a provider error
}

// NewMockProvider returns a mock with the given dimension (default 32).
func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 32
	}
	return &MockProvider{Dim: dim}
}

// Embed returns a deterministic unit vector derived from the text.
func (m *MockProvider) Embed(_ context.Context, text string) ([]float64, error) {
	if m.Fail {
		return nil, fmt.Errorf("%w: mock provider failure", apperr.ErrProvider)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", apperr.ErrValidation)
	}

	v := make([]float64, m.Dim)
	sum := sha256.Sum256([]byte(text))
	seed := sum[:]
	for i := range v {
		if i%4 == 0 && i > 0 {
			next := sha256.Sum256(seed)
			seed = next[:]
		}
		bits := binary.BigEndian.Uint64(seed[(i%4)*8 : (i%4)*8+8])
		v[i] = float64(bits)/float64(math.MaxUint64)*2 - 1
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

// EmbedBatch embeds each text in order.
func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for _, text := range texts {
		v, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Dimensions returns the configured dimension.
func (m *MockProvider) Dimensions() int { return m.Dim }
