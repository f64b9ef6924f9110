package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"

	coorderrors "github.com/taskfleet/coordkit/v1/errors"
	"github.com/taskfleet/coordkit/v1/store"
)

// RedisSource keeps records as JSON documents in the shared store, under a
// distinct key prefix so they never collide with cache entries or leases.
// It is meant for demos and small installations where a separate database
// would be overkill; error mapping and per-operation timeouts come from the
// store client itself.
type RedisSource[T any] struct {
	client *store.RedisClient
	prefix string
}

// NewRedisSource returns a RedisSource storing records under prefix.
func NewRedisSource[T any](client *store.RedisClient, prefix string) *RedisSource[T] {
	return &RedisSource[T]{client: client, prefix: prefix}
}

func (s *RedisSource[T]) key(id string) string { return s.prefix + id }

// Get implements Source.Get.
func (s *RedisSource[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	data, found, err := s.client.Get(ctx, s.key(id))
	if err != nil || !found {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return v, true, nil
}

// Put implements Source.Put. Records never expire; they are the record of
// truth, not cache entries.
func (s *RedisSource[T]) Put(ctx context.Context, id string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	return s.client.Set(ctx, s.key(id), data, 0)
}

// Delete implements Source.Delete.
func (s *RedisSource[T]) Delete(ctx context.Context, id string) error {
	_, err := s.client.Del(ctx, s.key(id))
	return err
}

// List implements Source.List.
func (s *RedisSource[T]) List(ctx context.Context) ([]string, error) {
	keys, err := s.client.ScanPrefix(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, s.prefix)
	}
	return ids, nil
}

// Batch implements Batcher.Batch. Commit ships every write in one
// transactional pipeline, so the batch becomes visible at once.
func (s *RedisSource[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &redisBatch[T]{s: s, puts: make(map[string]T)}, nil
}

type redisBatch[T any] struct {
	s       *RedisSource[T]
	puts    map[string]T
	deletes []string
}

func (b *redisBatch[T]) Put(ctx context.Context, id string, value T) error {
	b.puts[id] = value
	return nil
}

func (b *redisBatch[T]) Delete(ctx context.Context, id string) error {
	b.deletes = append(b.deletes, id)
	return nil
}

func (b *redisBatch[T]) Commit(ctx context.Context) error {
	pipe := b.s.client.Raw().TxPipeline()
	for id, v := range b.puts {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", id, err)
		}
		pipe.Set(ctx, b.s.key(id), data, 0)
	}
	if len(b.deletes) > 0 {
		keys := make([]string, len(b.deletes))
		for i, id := range b.deletes {
			keys[i] = b.s.key(id)
		}
		pipe.Del(ctx, keys...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		if stdErrors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: commit batch: %v", coorderrors.ErrUnavailable, err)
	}
	return nil
}
