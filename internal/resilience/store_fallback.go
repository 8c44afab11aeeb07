package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/framesync/internal/registry"
)

// StoreFallback implements [registry.Store] across a primary registry and
// fallbacks such as a local file mirror. Reads come from the first healthy
// store; writes go to every store so the fallbacks stay current. A missing key
// is an answer, not a failure, and never trips a breaker.
type StoreFallback struct {
	group *FallbackGroup[registry.Store]
}

// Compile-time interface assertion.
var _ registry.Store = (*StoreFallback)(nil)

// NewStoreFallback creates a [StoreFallback] with primary as the preferred
// store.
func NewStoreFallback(primary registry.Store, primaryName string, cfg FallbackConfig) *StoreFallback {
	return &StoreFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional store.
func (f *StoreFallback) AddFallback(name string, s registry.Store) {
	f.group.AddFallback(name, s)
}

// Get returns the value from the first healthy store.
func (f *StoreFallback) Get(ctx context.Context, key string) (string, error) {
	var missing bool
	v, err := ExecuteWithResult(f.group, func(s registry.Store) (string, error) {
		v, err := s.Get(ctx, key)
		missing = errors.Is(err, registry.ErrNotFound)
		if missing {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", registry.ErrNotFound
	}
	return v, nil
}

// Set writes key to every store.
func (f *StoreFallback) Set(ctx context.Context, key, value string) error {
	return f.group.Broadcast(func(s registry.Store) error { return s.Set(ctx, key, value) })
}

// Delete removes key from every store.
func (f *StoreFallback) Delete(ctx context.Context, key string) error {
	return f.group.Broadcast(func(s registry.Store) error { return s.Delete(ctx, key) })
}

// List returns the keys under prefix from the first healthy store.
func (f *StoreFallback) List(ctx context.Context, prefix string) (map[string]string, error) {
	return ExecuteWithResult(f.group, func(s registry.Store) (map[string]string, error) {
		return s.List(ctx, prefix)
	})
}

// Save flushes every store that buffers writes, such as a
// [registry.FileStore].
func (f *StoreFallback) Save(ctx context.Context) error {
	var errs []error
	f.group.Each(func(_ string, s registry.Store) {
		if sv, ok := s.(interface{ Save(context.Context) error }); ok {
			errs = append(errs, sv.Save(ctx))
		}
	})
	return errors.Join(errs...)
}
