// Package bus provides the pub/sub fabric used to fan cache invalidation
// events out to peer instances. Backends exist for Redis, NATS and Kafka,
// plus an in-memory bus for single-process use and tests. Delivery is
// best-effort: a subscriber that cannot keep up loses events, and entry TTLs
// bound how long a lost event can matter.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is a single event delivered to subscribers.
type Message struct {
	Subject string
	Data    []byte
}

// Bus is a minimal at-most-once pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string) (<-chan Message, error)
	Unsubscribe(ctx context.Context, subject string, ch <-chan Message) error
	Close() error
}

// Metrics reports publish and delivery counts for a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriber channels are buffered so a slow consumer does not stall the
// dispatcher; when the buffer is full the event is dropped.
const chanBuffer = 64

// InMemory is a process-local implementation of Bus, mainly for tests and
// single-instance deployments.
type InMemory struct {
	mu        sync.Mutex
	subs      map[string][]chan Message
	closed    bool
	published uint64
	delivered uint64
}

// NewInMemory returns a new in-memory bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan Message)}
}

// Publish implements Bus.Publish.
func (b *InMemory) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	chans := append([]chan Message(nil), b.subs[subject]...)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	msg := Message{Subject: subject, Data: data}
	for _, ch := range chans {
		select {
		case ch <- msg:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is removed when ctx
// is cancelled.
func (b *InMemory) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	ch := make(chan Message, chanBuffer)
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), subject, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemory) Unsubscribe(ctx context.Context, subject string, ch <-chan Message) error {
	b.mu.Lock()
	subs := b.subs[subject]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[subject] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, subject)
	}
	b.mu.Unlock()
	return nil
}

// Close implements Bus.Close and drops every live subscription.
func (b *InMemory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for subject, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, subject)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemory) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
