// Package adapter defines the port to the system of record that sits behind
// the coordination layer. Cache producers load records through it on a miss
// and write back through it on mutation; a real deployment implements Source
// against its own database, while the bundled implementations serve demos,
// tests and small installations.
package adapter

import (
	"context"
	"sync"
)

// Source abstracts the system of record. T is the record type.
type Source[T any] interface {
	// Get retrieves the record with the given id. The boolean return reports
	// whether it exists.
	Get(ctx context.Context, id string) (T, bool, error)
	// Put stores the record under id, overwriting any previous version.
	Put(ctx context.Context, id string, value T) error
	// Delete removes the record with the given id. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, id string) error
	// List returns the ids of every record, for cache warmup and admin
	// listings.
	List(ctx context.Context) ([]string, error)
}

// Batch groups writes so they commit together.
type Batch[T any] interface {
	Put(ctx context.Context, id string, value T) error
	Delete(ctx context.Context, id string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by sources that support batched writes.
type Batcher[T any] interface {
	Batch(ctx context.Context) (Batch[T], error)
}

// InMemorySource is a Source backed by a map, for demos and tests.
type InMemorySource[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewInMemorySource returns an empty InMemorySource.
func NewInMemorySource[T any]() *InMemorySource[T] {
	return &InMemorySource[T]{items: make(map[string]T)}
}

// Get implements Source.Get.
func (s *InMemorySource[T]) Get(ctx context.Context, id string) (T, bool, error) {
	s.mu.RLock()
	v, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

// Put implements Source.Put.
func (s *InMemorySource[T]) Put(ctx context.Context, id string, value T) error {
	s.mu.Lock()
	s.items[id] = value
	s.mu.Unlock()
	return nil
}

// Delete implements Source.Delete.
func (s *InMemorySource[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

// List implements Source.List.
func (s *InMemorySource[T]) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	return ids, nil
}

// Batch implements Batcher.Batch. The batch buffers writes and applies them
// under one lock on Commit.
func (s *InMemorySource[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &inMemoryBatch[T]{s: s, puts: make(map[string]T)}, nil
}

type inMemoryBatch[T any] struct {
	s       *InMemorySource[T]
	puts    map[string]T
	deletes []string
}

func (b *inMemoryBatch[T]) Put(ctx context.Context, id string, value T) error {
	b.puts[id] = value
	return nil
}

func (b *inMemoryBatch[T]) Delete(ctx context.Context, id string) error {
	b.deletes = append(b.deletes, id)
	return nil
}

func (b *inMemoryBatch[T]) Commit(ctx context.Context) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	for _, id := range b.deletes {
		delete(b.s.items, id)
	}
	for id, v := range b.puts {
		b.s.items[id] = v
	}
	return nil
}
