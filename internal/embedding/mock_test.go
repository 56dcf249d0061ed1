package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/engramd/engram/internal/apperr"
)

func TestMockDeterministic(t *testing.T) {
	m := NewMockProvider(32)
	ctx := context.Background()

	a, err := m.Embed(ctx, "kubernetes")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := m.Embed(ctx, "kubernetes")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("Expected 32 dimensions, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Same text must embed identically, differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestMockUnitNorm(t *testing.T) {
	m := NewMockProvider(64)
	v, err := m.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-9 {
		t.Errorf("Expected unit vector, got norm %v", math.Sqrt(norm))
	}
}

func TestMockDistinctTexts(t *testing.T) {
	m := NewMockProvider(32)
	ctx := context.Background()

	a, _ := m.Embed(ctx, "kubernetes")
	b, _ := m.Embed(ctx, "kubernete")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different texts must not share a vector")
	}
}

func TestMockErrors(t *testing.T) {
	ctx := context.Background()

	m := &MockProvider{Dim: 32, Fail: true}
	if _, err := m.Embed(ctx, "anything"); !errors.Is(err, apperr.ErrProvider) {
		t.Errorf("Expected ErrProvider, got %v", err)
	}

	m = NewMockProvider(32)
	if _, err := m.Embed(ctx, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty text, got %v", err)
	}
}

func TestMockEmbedBatch(t *testing.T) {
	m := NewMockProvider(16)
	ctx := context.Background()

	vectors, err := m.EmbedBatch(ctx, []string{"one", "two"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("Expected 2 vectors, got %d", len(vectors))
	}

	single, _ := m.Embed(ctx, "one")
	for i := range single {
		if vectors[0][i] != single[i] {
			t.Fatal("Batch embedding must match single embedding")
		}
	}
}

func TestMockDefaultDimension(t *testing.T) {
	m := NewMockProvider(0)
	if m.Dimensions() != 32 {
		t.Errorf("Expected default dimension 32, got %d", m.Dimensions())
	}
}
