package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankByDotProduct(t *testing.T) {
	docs := []MemoryDocument{
		{ID: "a", Embedding: []float32{1, 0, 0}},
		{ID: "b", Embedding: []float32{0.8, 0.6, 0}},
		{ID: "c", Embedding: []float32{0, 1, 0}},
		{ID: "no-embedding"},
	}
	query := []float32{1, 0, 0}

	ranked := RankByDotProduct(docs, query, 2)

	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].Doc.ID)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-6)
	assert.Equal(t, "b", ranked[1].Doc.ID)
	assert.InDelta(t, 0.8, ranked[1].Score, 1e-6)
}

func TestRankByDotProductDimensionMismatch(t *testing.T) {
	docs := []MemoryDocument{{ID: "a", Embedding: []float32{1, 0}}}

	ranked := RankByDotProduct(docs, []float32{1, 0, 0}, 5)
	assert.Empty(t, ranked)
}

func TestNopDocumentStoreDegrades(t *testing.T) {
	store := NopDocumentStore{}
	ctx := context.Background()

	assert.False(t, store.Available())

	docs, err := store.Find(ctx, map[string]interface{}{"user_id": "u1"}, 10)
	require.NoError(t, err)
	assert.Empty(t, docs)

	scored, err := store.TopKByDotProduct(ctx, nil, []float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, scored)

	assert.Error(t, store.Upsert(ctx, MemoryDocument{ID: "x"}))
}
