package adapter_test

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/taskfleet/coordkit/v1/adapter"
	coorderrors "github.com/taskfleet/coordkit/v1/errors"
	"github.com/taskfleet/coordkit/v1/store"
)

func newRedisSource(t *testing.T) (*adapter.RedisSource[record], *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisSource[record](client, "task:"), mr
}

func TestRedisSourceRoundTrip(t *testing.T) {
	s, _ := newRedisSource(t)
	ctx := context.Background()

	if err := s.Put(ctx, "1", record{Title: "water plants"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "2", record{Title: "write tests", Done: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := s.Get(ctx, "1")
	if err != nil || !ok || v.Title != "water plants" {
		t.Fatalf("Get: %+v ok=%v err=%v", v, ok, err)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Fatalf("List: expected [1 2], got %v", ids)
	}

	if err := s.Delete(ctx, "1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "1"); ok {
		t.Fatal("Delete: record still present")
	}
}

func TestRedisSourceBatchCommitIsAtomic(t *testing.T) {
	s, mr := newRedisSource(t)
	ctx := context.Background()

	if err := s.Put(ctx, "old", record{Title: "obsolete"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b, err := s.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := b.Put(ctx, "1", record{Title: "batched"}); err != nil {
		t.Fatalf("Batch Put: %v", err)
	}
	if err := b.Delete(ctx, "old"); err != nil {
		t.Fatalf("Batch Delete: %v", err)
	}
	if mr.Exists("task:1") {
		t.Fatal("batch write visible before commit")
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if v, ok, _ := s.Get(ctx, "1"); !ok || v.Title != "batched" {
		t.Fatalf("batched put did not land: %+v ok=%v", v, ok)
	}
	if mr.Exists("task:old") {
		t.Fatal("batched delete did not land")
	}
}

func TestRedisSourceOutageSurfacesUnavailable(t *testing.T) {
	s, mr := newRedisSource(t)
	ctx := context.Background()

	mr.Close()

	if _, _, err := s.Get(ctx, "1"); !coorderrors.IsUnavailable(err) {
		t.Fatalf("Get during outage: err = %v, want unavailability", err)
	}
	b, err := s.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := b.Put(ctx, "1", record{}); err != nil {
		t.Fatalf("Batch Put: %v", err)
	}
	if err := b.Commit(ctx); !coorderrors.IsUnavailable(err) {
		t.Fatalf("Commit during outage: err = %v, want unavailability", err)
	}
}
