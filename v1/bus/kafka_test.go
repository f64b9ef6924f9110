package bus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

// newKafkaBus connects to the broker named by COORDKIT_TEST_KAFKA_ADDR or
// skips the test. Kafka has no embeddable test server, so these tests only
// run against a real broker.
func newKafkaBus(t *testing.T) *Kafka {
	t.Helper()
	addr := os.Getenv("COORDKIT_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("COORDKIT_TEST_KAFKA_ADDR not set, skipping Kafka bus tests")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	b, err := NewKafka([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("kafka: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestKafkaBusPublishSubscribe(t *testing.T) {
	b := newKafkaBus(t)
	ctx := context.Background()
	subject := "coordkit-test-" + uuid.NewString()

	ch, err := b.Subscribe(ctx, subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// The consumer starts at the newest offset; let it attach before
	// publishing or the message lands behind it.
	time.Sleep(2 * time.Second)

	if err := b.Publish(ctx, subject, []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if msg.Subject != subject || string(msg.Data) != "payload" {
			t.Fatalf("message = %+v, want %s/payload", msg, subject)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	if m := b.Metrics(); m.Published != 1 {
		t.Fatalf("published = %d, want 1", m.Published)
	}
}

func TestKafkaBusUnsubscribe(t *testing.T) {
	b := newKafkaBus(t)
	ctx := context.Background()
	subject := "coordkit-test-" + uuid.NewString()

	ch, err := b.Subscribe(ctx, subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Unsubscribe(ctx, subject, ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
