package bus

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisPublishTimeout  = 5 * time.Second
	redisPublishAttempts = 3
	redisPublishBackoff  = 50 * time.Millisecond
	maxPublishBackoff    = time.Second
)

type redisSubscription struct {
	ps    *redis.PubSub
	chans []chan Message
}

// Redis implements Bus on Redis pub/sub. The driver re-establishes
// subscriptions across reconnects on its own; publishes retry with
// exponential backoff and jitter before reporting failure.
type Redis struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
}

// NewRedis returns a Redis-backed bus on the provided client. The caller
// keeps ownership of the client's lifecycle.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *Redis) Publish(ctx context.Context, subject string, data []byte) error {
	backoff := redisPublishBackoff
	var err error
	for attempt := 0; attempt < redisPublishAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
		err = b.client.Publish(cctx, subject, data).Err()
		cancel()
		if err == nil {
			atomic.AddUint64(&b.published, 1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
		}
		if backoff < maxPublishBackoff {
			backoff *= 2
			if backoff > maxPublishBackoff {
				backoff = maxPublishBackoff
			}
		}
	}
	return err
}

// Subscribe implements Bus.Subscribe. The first subscriber on a subject
// opens the underlying pub/sub connection; later ones share it.
func (b *Redis) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	b.mu.Lock()
	sub := b.subs[subject]
	if sub == nil {
		ps := b.client.Subscribe(ctx, subject)
		// Wait for the subscription ack so events published right after
		// this call returns are not lost.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.mu.Unlock()
			return nil, err
		}
		sub = &redisSubscription{ps: ps}
		b.subs[subject] = sub
		go b.dispatch(sub, subject)
	}
	ch := make(chan Message, chanBuffer)
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), subject, ch)
	}()
	return ch, nil
}

func (b *Redis) dispatch(sub *redisSubscription, subject string) {
	for m := range sub.ps.Channel() {
		b.mu.Lock()
		s := b.subs[subject]
		var chans []chan Message
		if s != nil {
			chans = append([]chan Message(nil), s.chans...)
		}
		b.mu.Unlock()
		msg := Message{Subject: m.Channel, Data: []byte(m.Payload)}
		for _, ch := range chans {
			select {
			case ch <- msg:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. Closing the last channel on a
// subject tears down the underlying pub/sub connection.
func (b *Redis) Unsubscribe(ctx context.Context, subject string, ch <-chan Message) error {
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
		return sub.ps.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close implements Bus.Close. It tears down subscriptions but leaves the
// Redis client itself to its owner.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, sub := range b.subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		_ = sub.ps.Close()
		delete(b.subs, subject)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *Redis) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
