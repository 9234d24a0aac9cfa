package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry looks caches up by name so invalidation can be addressed as
// (cache name, key) from anywhere.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*Named
}

func NewRegistry(caches ...*Named) *Registry {
	r := &Registry{caches: map[string]*Named{}}
	for _, c := range caches {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c *Named) {
	r.mu.Lock()
	r.caches[c.Name()] = c
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (*Named, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[name]
	return c, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidate drops key from the named cache, or the whole cache when key is "".
func (r *Registry) Invalidate(ctx context.Context, name, key string) error {
	c, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown cache %q", name)
	}
	if key == "" {
		return c.InvalidateAll(ctx)
	}
	return c.Invalidate(ctx, key)
}
