package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

const localBatchSize = 32

// Local is the in-process embedding backend. It projects token and
// character n-gram features onto a fixed-dimension space by feature
// hashing and unit-normalizes the result. The projection is deterministic,
// so equal texts always embed identically, and cosine similarity reflects
// lexical overlap. Scores are distributed much lower than the remote
// model's, which is why the retrieval threshold is a per-backend constant.
//
// The model is CPU-bound and not reentrant; calls are serialized by a
// mutex. Callers amortize the lock by batching.
type Local struct {
	dim int
	mu  sync.Mutex
}

// NewLocal creates the local backend with the given dimension.
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

// Dimension implements Embedder.
func (l *Local) Dimension() int { return l.dim }

// Embed implements Embedder.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if isBlank(text) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.embedLocked(text), nil
}

// EmbedBatch implements Embedder. Inputs are processed in chunks of 32
// under one lock acquisition per chunk.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += localBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + localBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		l.mu.Lock()
		for i := start; i < end; i++ {
			if isBlank(texts[i]) {
				continue
			}
			out[i] = l.embedLocked(texts[i])
		}
		l.mu.Unlock()
	}

	return out, nil
}

func (l *Local) embedLocked(text string) []float32 {
	vec := make([]float32, l.dim)

	tokens := tokenize(text)
	for _, token := range tokens {
		addFeature(vec, token, 1.0)
		// Character trigrams soften exact-token matching.
		runes := []rune(token)
		for i := 0; i+3 <= len(runes); i++ {
			addFeature(vec, string(runes[i:i+3]), 0.5)
		}
	}
	// Token bigrams carry phrase-level signal.
	for i := 0; i+1 < len(tokens); i++ {
		addFeature(vec, tokens[i]+" "+tokens[i+1], 0.75)
	}

	return Normalize(vec)
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vec)))
	// The next hash bit decides the sign, keeping features roughly
	// zero-centered.
	sign := float32(1)
	if (sum>>63)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
