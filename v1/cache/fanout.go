package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	gouuid "github.com/hashicorp/go-uuid"
)

// invalidationSubject is the bus subject suffix shared by all instances of a
// namespace. The namespace prefix keeps independent caches from hearing each
// other.
const invalidationSubject = "invalidations"

// InvalidationSubject returns the bus subject a namespace's invalidation
// events travel on, for components that tap the stream.
func InvalidationSubject(ns string) string { return ns + invalidationSubject }

// invalidation is the event fanned out when entries are deleted. Peers apply
// it to their local fallback only; the originating instance already handled
// the store.
type invalidation struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// newOriginID returns the instance identifier stamped on outgoing events.
func newOriginID() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		// An empty origin only costs self-delivered events being re-applied,
		// which is idempotent.
		slog.Warn("coordkit: cache origin id generation failed", "error", err)
		return ""
	}
	return id
}

func (c *Distributed[T]) subject() string { return InvalidationSubject(c.ns) }

// publish fans an invalidation out to peers. Publish failures are logged and
// absorbed: peer fallbacks self-heal through entry TTLs.
func (c *Distributed[T]) publish(ctx context.Context, ev invalidation) {
	if c.bus == nil {
		return
	}
	ev.Origin = c.origin
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("coordkit: cache invalidation encode failed", "error", err)
		return
	}
	if err := c.bus.Publish(ctx, c.subject(), data); err != nil {
		slog.Warn("coordkit: cache invalidation publish failed, peers rely on TTL expiry",
			"error", err)
	}
}

// listen applies peer invalidations to the local fallback until the cache is
// closed.
func (c *Distributed[T]) listen(ctx context.Context) {
	defer close(c.subDone)
	ch, err := c.bus.Subscribe(ctx, c.subject())
	if err != nil {
		slog.Warn("coordkit: cache invalidation subscribe failed, fallback relies on TTL expiry",
			"error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev invalidation
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				slog.Warn("coordkit: cache invalidation decode failed", "error", err)
				continue
			}
			if ev.Origin != "" && ev.Origin == c.origin {
				continue
			}
			c.apply(ev)
		}
	}
}

// apply executes a peer invalidation against the local state.
func (c *Distributed[T]) apply(ev invalidation) {
	for _, nk := range ev.Keys {
		c.dropLocal(nk)
	}
	for _, tag := range ev.Tags {
		c.dropLocalTag(tag)
	}
	if ev.Prefix != "" && c.local != nil {
		removed := c.local.DelPrefix(ev.Prefix)
		c.tags.dropKeys(removed)
	}
}
