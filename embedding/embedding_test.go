package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUnitNorm(t *testing.T) {
	local := NewLocal(384)
	ctx := context.Background()

	vec, err := local.Embed(ctx, "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	require.Len(t, vec, 384)

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestLocalDeterministic(t *testing.T) {
	local := NewLocal(128)
	ctx := context.Background()

	a, err := local.Embed(ctx, "hello world")
	require.NoError(t, err)
	b, err := local.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestLocalSimilarTextScoresHigher(t *testing.T) {
	local := NewLocal(384)
	ctx := context.Background()

	base, _ := local.Embed(ctx, "I love hiking in the mountains")
	near, _ := local.Embed(ctx, "hiking in the mountains is great")
	far, _ := local.Embed(ctx, "quarterly financial report spreadsheet")

	assert.Greater(t, Cosine(base, near), Cosine(base, far))
}

func TestBlankInputYieldsNil(t *testing.T) {
	local := NewLocal(64)
	ctx := context.Background()

	vec, err := local.Embed(ctx, "   \n\t ")
	require.NoError(t, err)
	assert.Nil(t, vec)

	vecs, err := local.EmbedBatch(ctx, []string{"", "real text", " "})
	require.NoError(t, err)
	assert.Nil(t, vecs[0])
	assert.NotNil(t, vecs[1])
	assert.Nil(t, vecs[2])
}

func TestCachedServesHits(t *testing.T) {
	local := NewLocal(64)
	cached := NewCached(local, 100)
	ctx := context.Background()

	a, err := cached.Embed(ctx, "cache me")
	require.NoError(t, err)
	b, err := cached.Embed(ctx, "cache me")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, cached.Len())
}

func TestCachedBatchEviction(t *testing.T) {
	cached := NewCached(NewLocal(32), 20)
	ctx := context.Background()

	texts := make([]string, 21)
	for i := range texts {
		texts[i] = "text number " + string(rune('a'+i))
	}
	_, err := cached.EmbedBatch(ctx, texts)
	require.NoError(t, err)

	// One batch eviction dropped 15% (3 entries) before the 21st insert.
	assert.LessOrEqual(t, cached.Len(), 20)
	assert.GreaterOrEqual(t, cached.Len(), 17)
}

func TestRemoteEmbedBatch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]interface{}{"data": []map[string]interface{}{}}
		data := resp["data"].([]map[string]interface{})
		for i := range req.Input {
			data = append(data, map[string]interface{}{
				"embedding": []float32{3, 4, 0}, // normalized server-side check below
				"index":     i,
			})
		}
		resp["data"] = data
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "test-key", "text-embedding-3-small", 3)
	vecs, err := remote.EmbedBatch(context.Background(), []string{"a", "", "b"})
	require.NoError(t, err)

	require.Len(t, vecs, 3)
	assert.Nil(t, vecs[1])
	// 3-4-5 triangle normalizes to 0.6, 0.8.
	assert.InDelta(t, 0.6, float64(vecs[0][0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vecs[0][1]), 1e-6)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoteThrottleIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "", "", 3)
	_, err := remote.Embed(context.Background(), "text")
	require.Error(t, err)
}
