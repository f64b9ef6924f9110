// Package watch streams coordination events to operators. A Hub fans
// topic-keyed payloads out to watcher channels, Bridge feeds it from a
// cache's invalidation subject, and the HTTP handlers expose the stream over
// Server-Sent Events and WebSocket so a shell with curl can follow what the
// fleet is invalidating in real time.
package watch

import (
	"context"
	"strings"
	"sync"
)

// chanBuffer sizes each watcher's channel. A watcher that falls behind loses
// events rather than stalling the publisher.
const chanBuffer = 16

// Hub fans events out to watchers by topic. Exact watchers hear one topic;
// prefix watchers hear every topic sharing their prefix.
type Hub struct {
	mu       sync.Mutex
	topics   map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		topics:   make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish delivers data to every watcher of topic and every prefix watcher
// whose prefix matches it. Delivery is non-blocking.
func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	chans := append([]chan []byte(nil), h.topics[topic]...)
	for prefix, subs := range h.prefixes {
		if strings.HasPrefix(topic, prefix) {
			chans = append(chans, subs...)
		}
	}
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to a single topic. The watcher is removed when ctx is
// cancelled or Unwatch is called.
func (h *Hub) Watch(ctx context.Context, topic string) (<-chan []byte, error) {
	return h.add(ctx, h.topics, topic)
}

// WatchPrefix subscribes to every topic starting with prefix.
func (h *Hub) WatchPrefix(ctx context.Context, prefix string) (<-chan []byte, error) {
	return h.add(ctx, h.prefixes, prefix)
}

func (h *Hub) add(ctx context.Context, m map[string][]chan []byte, key string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, chanBuffer)
	h.mu.Lock()
	m[key] = append(m[key], ch)
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = h.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes ch from key's watchers and closes it. key is the topic or
// prefix the channel was registered under.
func (h *Hub) Unwatch(ctx context.Context, key string, ch <-chan []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !removeWatcher(h.topics, key, ch) {
		removeWatcher(h.prefixes, key, ch)
	}
	return nil
}

func removeWatcher(m map[string][]chan []byte, key string, ch <-chan []byte) bool {
	subs := m[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			m[key] = subs
			close(c)
			if len(subs) == 0 {
				delete(m, key)
			}
			return true
		}
	}
	return false
}
