package bus

import (
	"context"
	"testing"
	"time"
)

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func TestInMemoryPublishSubscribe(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	ch1, err := b.Subscribe(ctx, "inv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := b.Subscribe(ctx, "inv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, "inv", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Message{ch1, ch2} {
		msg := waitMessage(t, ch)
		if msg.Subject != "inv" || string(msg.Data) != "payload" {
			t.Fatalf("message = %+v, want inv/payload", msg)
		}
	}

	m := b.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("metrics = %+v, want published 1 delivered 2", m)
	}
}

func TestInMemorySubjectIsolation(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "b", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on other subject: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryUnsubscribeClosesChannel(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, "inv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Unsubscribe(ctx, "inv", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestInMemorySubscribeContextCancel(t *testing.T) {
	b := NewInMemory()
	defer b.Close()

	sctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(sctx, "inv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not removed after context cancel")
		}
	}
}
