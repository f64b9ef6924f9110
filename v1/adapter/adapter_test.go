package adapter_test

import (
	"context"
	"testing"

	"github.com/taskfleet/coordkit/v1/adapter"
)

type record struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func TestInMemorySourceRoundTrip(t *testing.T) {
	s := adapter.NewInMemorySource[record]()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "1"); err != nil || ok {
		t.Fatalf("Get before Put: ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "1", record{Title: "file taxes"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, "1")
	if err != nil || !ok || v.Title != "file taxes" {
		t.Fatalf("Get: %+v ok=%v err=%v", v, ok, err)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("List: expected [1], got %v", ids)
	}

	if err := s.Delete(ctx, "1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "1"); ok {
		t.Fatal("Delete: record still present")
	}
	// Deleting a missing record is not an error.
	if err := s.Delete(ctx, "1"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestInMemorySourceBatchCommit(t *testing.T) {
	s := adapter.NewInMemorySource[record]()
	ctx := context.Background()

	if err := s.Put(ctx, "old", record{Title: "obsolete"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b, err := s.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := b.Put(ctx, "1", record{Title: "new"}); err != nil {
		t.Fatalf("Batch Put: %v", err)
	}
	if err := b.Delete(ctx, "old"); err != nil {
		t.Fatalf("Batch Delete: %v", err)
	}

	// Nothing lands before Commit.
	if _, ok, _ := s.Get(ctx, "1"); ok {
		t.Fatal("batch write visible before commit")
	}

	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "old"); ok {
		t.Fatal("batched delete did not land")
	}
	if v, ok, _ := s.Get(ctx, "1"); !ok || v.Title != "new" {
		t.Fatalf("batched put did not land: %+v ok=%v", v, ok)
	}
}
