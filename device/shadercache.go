package device

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// shaderCache serializes "pipeline builds" per distinct instruction
// signature so two goroutines racing to encode the same fused op shape
// don't redundantly build it twice. The real shader compiler is out of
// scope here. Each Device owns one; the reference software encoder does
// not call it. The per-key lock is grounded on a per-model
// semaphore.Weighted(1) pattern for serializing expensive builds by key.
type shaderCache struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
	built map[string]any
}

func newShaderCache() *shaderCache {
	return &shaderCache{
		locks: make(map[string]*semaphore.Weighted),
		built: make(map[string]any),
	}
}

func (c *shaderCache) lockFor(key string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.locks[key] = sem
	}
	return sem
}

// GetOrBuild returns the cached pipeline for key, building it with build
// if absent. Concurrent callers for the same key block on each other;
// callers for different keys proceed in parallel.
func (c *shaderCache) GetOrBuild(key string, build func() any) any {
	c.mu.Lock()
	if v, ok := c.built[key]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	sem := c.lockFor(key)
	_ = sem.Acquire(context.Background(), 1)
	defer sem.Release(1)

	c.mu.Lock()
	if v, ok := c.built[key]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	v := build()

	c.mu.Lock()
	c.built[key] = v
	c.mu.Unlock()
	return v
}
