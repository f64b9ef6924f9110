package bus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Message
}

// NATS implements Bus using a NATS backend.
type NATS struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
}

// NewNATS returns a NATS-backed bus using the provided connection. The
// caller keeps ownership of the connection's lifecycle.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATS) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	ch := make(chan Message, chanBuffer)
	b.mu.Lock()
	sub := b.subs[subject]
	if sub == nil {
		ns, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
			b.mu.Lock()
			s := b.subs[subject]
			var chans []chan Message
			if s != nil {
				chans = append([]chan Message(nil), s.chans...)
			}
			b.mu.Unlock()
			msg := Message{Subject: m.Subject, Data: m.Data}
			for _, c := range chans {
				select {
				case c <- msg:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[subject] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), subject, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATS) Unsubscribe(ctx context.Context, subject string, ch <-chan Message) error {
	b.mu.Lock()
	sub := b.subs[subject]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, subject)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Close implements Bus.Close. It drops subscriptions but leaves the NATS
// connection itself to its owner.
func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, sub := range b.subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		_ = sub.sub.Unsubscribe()
		delete(b.subs, subject)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATS) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
