// Package embedding provides the text embedding service used by the
// tiered memory manager and the context builder. Two backends implement
// the same contract: a local in-process model serialized by a mutex, and a
// remote provider API that may parallelize. Both yield unit-normalized
// vectors of a constant dimension D, wrapped in a shared LRU cache.
package embedding

import (
	"context"
	"math"
	"strings"
)

// Embedder converts text to unit-normalized vectors. Empty or
// whitespace-only input yields a nil vector and no error.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for a batch of texts, index-aligned with
	// the input. Entries for empty inputs are nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the constant vector dimension D.
	Dimension() int
}

// Normalize scales v to unit length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Cosine computes the cosine similarity of two unit vectors (their dot
// product). Mismatched dimensions score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
