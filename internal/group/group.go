// Package group lazily builds one value per key and keeps it until Reset.
package group

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

type Group[V any] struct {
	newFunc func(key string) (V, error)
	release func(V)

	mu     sync.RWMutex
	values map[string]V
	sf     singleflight.Group
}

type Option[V any] func(*Group[V])

// WithRelease is called for every value dropped by Reset.
func WithRelease[V any](fn func(V)) Option[V] {
	return func(g *Group[V]) { g.release = fn }
}

func New[V any](newFunc func(key string) (V, error), opts ...Option[V]) *Group[V] {
	g := &Group[V]{
		newFunc: newFunc,
		values:  make(map[string]V),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Get returns the value for key, building it on first use. Concurrent first
// callers share a single build. A failed build is not remembered.
func (g *Group[V]) Get(key string) (V, error) {
	g.mu.RLock()
	v, ok := g.values[key]
	g.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := g.sf.Do(key, func() (any, error) {
		g.mu.RLock()
		v, ok := g.values[key]
		g.mu.RUnlock()
		if ok {
			return v, nil
		}

		v, err := g.newFunc(key)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.values[key] = v
		g.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Range calls fn for each built value until fn returns false.
func (g *Group[V]) Range(fn func(key string, v V) bool) {
	g.mu.RLock()
	snapshot := make(map[string]V, len(g.values))
	for k, v := range g.values {
		snapshot[k] = v
	}
	g.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (g *Group[V]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.values)
}

// Reset forgets every value; the next Get for a key builds it again.
func (g *Group[V]) Reset() {
	g.mu.Lock()
	old := g.values
	g.values = make(map[string]V)
	g.mu.Unlock()

	if g.release == nil {
		return
	}
	for _, v := range old {
		g.release(v)
	}
}
