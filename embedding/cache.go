package embedding

import (
	"container/list"
	"context"
	"sync"
)

// Cached wraps an Embedder with a mutex-guarded LRU cache of recent
// text-to-vector results. The workload is read-heavy; evictions are
// batched, dropping the oldest 15% in one pass when the cache fills.
type Cached struct {
	inner    Embedder
	capacity int

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[string]*list.Element
}

type cacheEntry struct {
	text string
	vec  []float32
}

// NewCached wraps inner with an LRU cache of the given capacity.
func NewCached(inner Embedder, capacity int) *Cached {
	if capacity <= 0 {
		capacity = 1500
	}
	return &Cached{
		inner:    inner,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Dimension implements Embedder.
func (c *Cached) Dimension() int { return c.inner.Dimension() }

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if isBlank(text) {
		return nil, nil
	}

	if vec, ok := c.lookup(text); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(text, vec)
	return vec, nil
}

// EmbedBatch implements Embedder. Cached texts are served locally; only
// misses go to the backend.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var misses []string
	var positions []int
	for i, text := range texts {
		if isBlank(text) {
			continue
		}
		if vec, ok := c.lookup(text); ok {
			out[i] = vec
			continue
		}
		misses = append(misses, text)
		positions = append(positions, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[positions[j]] = vec
		c.store(misses[j], vec)
	}

	return out, nil
}

// Len reports the current cache size.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cached) lookup(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).vec, true
}

func (c *Cached) store(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[text]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).vec = vec
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	elem := c.order.PushFront(&cacheEntry{text: text, vec: vec})
	c.entries[text] = elem
}

// evictLocked drops the oldest 15% of entries in one batch.
func (c *Cached) evictLocked() {
	drop := c.capacity * 15 / 100
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.order.Remove(back)
		delete(c.entries, back.Value.(*cacheEntry).text)
	}
}
