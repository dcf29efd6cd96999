package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

var _ Store = (*Memory)(nil)

// Memory is a process-local [Store]. Contents are lost on exit.
type Memory struct {
	cache *cache.Cache
}

// NewMemory returns an empty store that purges expired entries every
// cleanup interval.
func NewMemory(cleanup time.Duration) *Memory {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &Memory{cache: cache.New(cache.NoExpiration, cleanup)}
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	exp := cache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	m.cache.Set(key, slices.Clone(value), exp)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	x, found := m.cache.Get(key)
	if !found {
		return nil, ErrNotFound
	}
	return slices.Clone(x.([]byte)), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Close drops all entries.
func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}
