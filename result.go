package ossa

import (
	"context"
	"sync"
)

// Result is a one-shot future. The first Store or StoreError wins and
// later calls are ignored.
type Result[T any] struct {
	mu       sync.RWMutex
	value    T
	err      error
	stored   bool
	done     chan struct{}
	metadata map[string]any
}

func NewResult[T any]() *Result[T] {
	return &Result[T]{
		done:     make(chan struct{}),
		metadata: make(map[string]any),
	}
}

// Store resolves the result with value. Returns false if already resolved.
func (r *Result[T]) Store(value T) bool {
	return r.resolve(value, nil, nil)
}

// StoreError rejects the result with err. Returns false if already resolved.
func (r *Result[T]) StoreError(err error) bool {
	var zero T
	return r.resolve(zero, err, nil)
}

// StoreWithMeta resolves the result and records metadata.
func (r *Result[T]) StoreWithMeta(value T, meta map[string]any) bool {
	return r.resolve(value, nil, meta)
}

func (r *Result[T]) resolve(value T, err error, meta map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stored {
		return false
	}
	r.value = value
	r.err = err
	r.stored = true
	for k, v := range meta {
		r.metadata[k] = v
	}
	close(r.done)
	return true
}

// Done is closed once the result is resolved.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

func (r *Result[T]) Load() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.stored
}

func (r *Result[T]) Error() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func (r *Result[T]) GetMetadata(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, ok := r.metadata[key]
	return val, ok
}

// Wait blocks until the result resolves or ctx is done.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
