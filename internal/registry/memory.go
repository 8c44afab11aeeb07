package registry

import (
	"context"
	"maps"
	"strings"
	"sync"
)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a store holding a copy of seed.
func NewMemStore(seed map[string]string) *MemStore {
	data := make(map[string]string, len(seed))
	maps.Copy(data, seed)
	return &MemStore{data: data}
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set implements [Store].
func (s *MemStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// Snapshot returns a copy of every entry.
func (s *MemStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}
