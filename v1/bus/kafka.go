package bus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan Message
}

// Kafka implements Bus using a Kafka backend. Subjects map to topics; each
// subject is consumed from partition 0 at the newest offset, which matches
// the bus contract of at-most-once delivery to live subscribers.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published uint64
	delivered uint64
}

// NewKafka creates a Kafka-backed bus connecting to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Bus.Publish.
func (b *Kafka) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: subject, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *Kafka) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	ch := make(chan Message, chanBuffer)
	b.mu.Lock()
	sub := b.subs[subject]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(subject, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[subject] = sub
		go b.dispatch(sub, subject)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), subject, ch)
	}()
	return ch, nil
}

func (b *Kafka) dispatch(sub *kafkaSubscription, subject string) {
	for m := range sub.pc.Messages() {
		b.mu.Lock()
		s := b.subs[subject]
		var chans []chan Message
		if s != nil {
			chans = append([]chan Message(nil), s.chans...)
		}
		b.mu.Unlock()
		msg := Message{Subject: subject, Data: m.Value}
		for _, ch := range chans {
			select {
			case ch <- msg:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *Kafka) Unsubscribe(ctx context.Context, subject string, ch <-chan Message) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close implements Bus.Close.
func (b *Kafka) Close() error {
	b.mu.Lock()
	for subject, sub := range b.subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		_ = sub.pc.Close()
		delete(b.subs, subject)
	}
	b.mu.Unlock()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

// Metrics returns the published and delivered counts.
func (b *Kafka) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
