package watch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/taskfleet/coordkit/v1/bus"
	"github.com/taskfleet/coordkit/v1/cache"
	"github.com/taskfleet/coordkit/v1/store"
)

func TestBridgeFansEventsIntoTopics(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInMemory()
	defer b.Close()
	hub := NewHub()

	if err := Bridge(ctx, b, "cache:invalidations", hub); err != nil {
		t.Fatalf("Bridge: %v", err)
	}

	firehose, err := hub.Watch(ctx, FirehoseTopic)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	byKey, err := hub.Watch(ctx, "key:cache:task:1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	byTag, err := hub.Watch(ctx, "tag:team:a")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	data, err := json.Marshal(map[string]any{
		"origin": "peer",
		"keys":   []string{"cache:task:1"},
		"tags":   []string{"team:a"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(ctx, "cache:invalidations", data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, ch := range map[string]<-chan []byte{
		"firehose": firehose,
		"key":      byKey,
		"tag":      byTag,
	} {
		select {
		case msg := <-ch:
			if string(msg) != string(data) {
				t.Fatalf("%s watcher got %s, want the raw event", name, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s watcher did not receive the event", name)
		}
	}
}

func TestBridgeIgnoresUndecodablePayloads(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInMemory()
	defer b.Close()
	hub := NewHub()

	if err := Bridge(ctx, b, "subj", hub); err != nil {
		t.Fatalf("Bridge: %v", err)
	}
	firehose, err := hub.Watch(ctx, FirehoseTopic)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Garbage still reaches the firehose but derives no per-key topics.
	if err := b.Publish(ctx, "subj", []byte("not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := recv(t, firehose); string(msg) != "not json" {
		t.Fatalf("unexpected firehose payload %q", msg)
	}
}

// The full chain: a cache delete publishes an invalidation, the bridge picks
// it off the bus, and a hub watcher sees it.
func TestBridgeStreamsCacheInvalidations(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	ctx := context.Background()
	b := bus.NewInMemory()
	defer b.Close()

	c := cache.NewDistributed[string](client,
		cache.WithNamespace[string]("cache:task:"),
		cache.WithBus[string](b),
	)
	defer c.Close()

	hub := NewHub()
	if err := Bridge(ctx, b, cache.InvalidationSubject("cache:task:"), hub); err != nil {
		t.Fatalf("Bridge: %v", err)
	}
	ch, err := hub.Watch(ctx, "key:cache:task:42")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := c.Set(ctx, "42", "answer", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Del(ctx, "42"); err != nil {
		t.Fatalf("Del: %v", err)
	}

	var ev struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(recv(t, ch), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if len(ev.Keys) != 1 || ev.Keys[0] != "cache:task:42" {
		t.Fatalf("unexpected keys %v", ev.Keys)
	}
}
