package watch

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestHubDeliversToTopicWatcher(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.Watch(ctx, "key:tasks:1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := hub.Publish(ctx, "key:tasks:1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := recv(t, ch); string(msg) != "hello" {
		t.Fatalf("unexpected message %q", msg)
	}

	// Other topics stay silent.
	if err := hub.Publish(ctx, "key:tasks:2", []byte("other")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := hub.Publish(ctx, "key:tasks:1", []byte("again")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := recv(t, ch); string(msg) != "again" {
		t.Fatalf("watcher heard a foreign topic: %q", msg)
	}
}

func TestHubPrefixWatcherHearsMatchingTopics(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.WatchPrefix(ctx, "key:")
	if err != nil {
		t.Fatalf("WatchPrefix: %v", err)
	}

	if err := hub.Publish(ctx, "tag:team:a", []byte("skip")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := hub.Publish(ctx, "key:tasks:7", []byte("match")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg := recv(t, ch); string(msg) != "match" {
		t.Fatalf("prefix watcher got %q, want the key event only", msg)
	}
}

func TestHubUnwatchClosesChannel(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := hub.Unwatch(ctx, "foo", ch); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after Unwatch")
	}

	hub.mu.Lock()
	n := len(hub.topics["foo"])
	hub.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected watcher removed, %d left", n)
	}
}

func TestHubWatchRemovedOnContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := hub.Watch(ctx, "foo"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.topics["foo"])
		hub.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher not removed after context cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubSlowWatcherDropsEvents(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, err := hub.Watch(ctx, "busy")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Nobody reads: publishes past the buffer must not block.
	for i := 0; i < chanBuffer+5; i++ {
		if err := hub.Publish(ctx, "busy", []byte("e")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := len(ch); got != chanBuffer {
		t.Fatalf("expected %d buffered events, got %d", chanBuffer, got)
	}
}
