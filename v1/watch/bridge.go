package watch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/taskfleet/coordkit/v1/bus"
)

// FirehoseTopic carries every bridged event regardless of what it touched.
const FirehoseTopic = "invalidations"

// Bridge taps a cache namespace's invalidation subject and republishes each
// event into the hub: once on FirehoseTopic and once per touched key, tag
// and prefix under "key:", "tag:" and "prefix:" topics. It returns after
// subscribing; forwarding runs until ctx is cancelled.
func Bridge(ctx context.Context, b bus.Bus, subject string, hub *Hub) error {
	ch, err := b.Subscribe(ctx, subject)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				forward(ctx, hub, msg.Data)
			}
		}
	}()
	return nil
}

// forward fans one invalidation event out across the hub's topic space. The
// payload stays the raw event so every watcher sees the same bytes the bus
// carried.
func forward(ctx context.Context, hub *Hub, data []byte) {
	_ = hub.Publish(ctx, FirehoseTopic, data)

	var ev struct {
		Keys   []string `json:"keys"`
		Tags   []string `json:"tags"`
		Prefix string   `json:"prefix"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("coordkit: watch bridge received undecodable event", "error", err)
		return
	}
	for _, k := range ev.Keys {
		_ = hub.Publish(ctx, "key:"+k, data)
	}
	for _, tag := range ev.Tags {
		_ = hub.Publish(ctx, "tag:"+tag, data)
	}
	if ev.Prefix != "" {
		_ = hub.Publish(ctx, "prefix:"+ev.Prefix, data)
	}
}
