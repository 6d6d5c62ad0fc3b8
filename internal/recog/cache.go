package recog

import (
	"context"
	"sync"
)

// EmbeddingLoader fetches the active stored embedding for a student. A nil
// embedding with nil error means the student has no enrollment.
type EmbeddingLoader func(ctx context.Context, studentID string) (Embedding, error)

// EmbeddingCache is a lazy read-mostly cache of enrolled embeddings. It is
// purely a performance optimization: a miss costs one store lookup and
// correctness never depends on cache contents.
type EmbeddingCache struct {
	mu     sync.RWMutex
	byID   map[string]Embedding
	loader EmbeddingLoader
}

// NewEmbeddingCache builds a cache over the given loader.
func NewEmbeddingCache(loader EmbeddingLoader) *EmbeddingCache {
	return &EmbeddingCache{
		byID:   make(map[string]Embedding),
		loader: loader,
	}
}

// EmbeddingFor returns the student's embedding, loading and caching it on
// first use. Returns nil when the student has no active enrollment.
func (c *EmbeddingCache) EmbeddingFor(ctx context.Context, studentID string) (Embedding, error) {
	c.mu.RLock()
	emb, ok := c.byID[studentID]
	c.mu.RUnlock()
	if ok {
		return emb, nil
	}

	emb, err := c.loader(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if emb != nil {
		c.mu.Lock()
		c.byID[studentID] = emb
		c.mu.Unlock()
	}
	return emb, nil
}

// Invalidate drops a single student's cached embedding. Called on
// re-enrollment.
func (c *EmbeddingCache) Invalidate(studentID string) {
	c.mu.Lock()
	delete(c.byID, studentID)
	c.mu.Unlock()
}

// Flush clears the whole cache and returns how many entries were dropped.
func (c *EmbeddingCache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.byID)
	c.byID = make(map[string]Embedding)
	return n
}

// Size returns the number of cached embeddings.
func (c *EmbeddingCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
