package latent

import (
	"github.com/tsawler/go-latentsep/tensor"
)

// Store loads latent files through an LRU cache
type Store struct {
	cache   *Cache
	workers int
}

// NewStore returns a store caching up to cacheSize latents
func NewStore(cacheSize int) *Store {
	return &Store{
		cache:   NewCache(cacheSize),
		workers: tensor.Workers(),
	}
}

// Load returns the latent at path, reading it from disk on a cache miss
func (s *Store) Load(path string) (*tensor.Tensor, error) {
	if t, ok := s.cache.Get(path); ok {
		return t, nil
	}
	t, err := Read(path)
	if err != nil {
		return nil, err
	}
	s.cache.Put(path, t)
	return t, nil
}

// LoadAll loads every path concurrently, preserving order. The first error wins.
func (s *Store) LoadAll(paths []string) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(paths))
	errs := make([]error, len(paths))

	tensor.ParallelFor(len(paths), s.workers, func(i int) {
		out[i], errs[i] = s.Load(paths[i])
	})

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stats reports cache effectiveness
func (s *Store) Stats() CacheStats {
	return s.cache.Stats()
}
