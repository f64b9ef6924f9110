package bus

import (
	"context"
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATS, context.Context) {
	t.Helper()
	addr := os.Getenv("COORDKIT_TEST_NATS_ADDR")
	forceReal := os.Getenv("COORDKIT_TEST_FORCE_REAL") == "true"

	if forceReal && addr == "" {
		t.Fatal("COORDKIT_TEST_FORCE_REAL is true but COORDKIT_TEST_NATS_ADDR is empty")
	}

	var (
		conn *nats.Conn
		s    *server.Server
		err  error
	)
	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	} else {
		t.Log("using embedded NATS server")
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	b := NewNATS(conn)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = b.Close()
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return b, ctx
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	b, ctx := newNATSBus(t)

	ch, err := b.Subscribe(ctx, "inv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "inv", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := waitMessage(t, ch)
	if msg.Subject != "inv" || string(msg.Data) != "payload" {
		t.Fatalf("message = %+v, want inv/payload", msg)
	}
	if m := b.Metrics(); m.Published != 1 {
		t.Fatalf("published = %d, want 1", m.Published)
	}
}

func TestNATSBusUnsubscribe(t *testing.T) {
	b, ctx := newNATSBus(t)

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
