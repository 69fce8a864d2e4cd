package offline

import (
	"context"
	"sort"
	"sync"
)

type memoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*memoryCache
	order  []string
}

// NewMemoryStorage returns process-local cache storage.
func NewMemoryStorage() CacheStorage {
	return &memoryStorage{caches: make(map[string]*memoryCache)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cache, ok := s.caches[name]; ok {
		return cache, nil
	}
	cache := &memoryCache{name: name, entries: make(map[string]*Response)}
	s.caches[name] = cache
	s.order = append(s.order, name)
	return cache, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Keys returns cache names in creation order.
func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Close(context.Context) error {
	return nil
}

type memoryCache struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Response
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(_ context.Context, key string) (*Response, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, resp *Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp.Clone()
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
