package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/taskfleet/coordkit/v1/bus"
	coorderrors "github.com/taskfleet/coordkit/v1/errors"
	"github.com/taskfleet/coordkit/v1/store"
)

var tracer = otel.Tracer("github.com/taskfleet/coordkit/v1/cache")

const (
	defaultNamespace = "cache:"
	tagKeyPrefix     = "tag:"
)

// Producer computes the value for a key on a cache miss.
type Producer[T any] func(ctx context.Context) (T, error)

// Distributed is a read-through cache backed by the shared store, with tag
// and prefix invalidation. The store is the single authority while it is
// reachable; when it is not, reads and writes degrade to the local fallback
// so the instance keeps serving. Every write also lands in the fallback, so
// an outage starts with warm local data. Cross-instance writes follow
// last-write-wins: the store serializes them and no arbitration happens
// above it.
type Distributed[T any] struct {
	client store.Client
	codec  Codec
	local  Local[T]
	// localSet distinguishes "no option given" from an explicit nil fallback.
	localSet bool
	bus      bus.Bus
	ns       string
	ttl      time.Duration

	// origin identifies this instance on the invalidation bus so it can
	// skip its own events.
	origin string

	tags *tagIndex

	strategy TTLStrategy

	subCancel context.CancelFunc
	subDone   chan struct{}

	reg          prometheus.Registerer
	traceEnabled bool

	hitCounter          prometheus.Counter
	missCounter         prometheus.Counter
	fallbackCounter     prometheus.Counter
	invalidationCounter prometheus.Counter
}

// Option configures a Distributed cache.
type Option[T any] func(*Distributed[T])

// WithCodec sets the value codec. The default is JSONCodec.
func WithCodec[T any](codec Codec) Option[T] {
	return func(c *Distributed[T]) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithFallback sets the local fallback cache. The default is a map-backed
// Memory cache; pass nil to disable the fallback entirely, in which case
// store outages surface as unavailability errors instead of fallback reads.
func WithFallback[T any](local Local[T]) Option[T] {
	return func(c *Distributed[T]) {
		c.local = local
		c.localSet = true
	}
}

// WithNamespace sets the key prefix under which entries and tag sets live.
func WithNamespace[T any](ns string) Option[T] {
	return func(c *Distributed[T]) {
		if ns != "" {
			c.ns = ns
		}
	}
}

// WithBus wires an invalidation bus. Deletes and invalidations publish
// events so peer instances drop their local fallback copies.
func WithBus[T any](b bus.Bus) Option[T] {
	return func(c *Distributed[T]) {
		c.bus = b
	}
}

// WithDefaultTTL sets the TTL applied when a call passes zero.
func WithDefaultTTL[T any](d time.Duration) Option[T] {
	return func(c *Distributed[T]) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithTTLStrategy installs a dynamic TTL strategy consulted by Wrap. When
// set, the strategy's per-key TTL takes precedence over the TTL passed to
// Wrap.
func WithTTLStrategy[T any](s TTLStrategy) Option[T] {
	return func(c *Distributed[T]) {
		c.strategy = s
	}
}

// WithTracing enables OpenTelemetry spans around cache operations.
func WithTracing[T any]() Option[T] {
	return func(c *Distributed[T]) {
		c.traceEnabled = true
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. Counters are labelled with the cache's namespace so several
// caches can share one registry.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(c *Distributed[T]) {
		c.reg = reg
	}
}

// NewDistributed returns a Distributed cache on the given store client.
// When a bus is wired, the cache subscribes to peer invalidations until
// Close is called.
func NewDistributed[T any](client store.Client, opts ...Option[T]) *Distributed[T] {
	c := &Distributed[T]{
		client: client,
		codec:  JSONCodec{},
		ns:     defaultNamespace,
		tags:   newTagIndex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.local == nil && !c.localSet {
		c.local = NewMemory[T]()
	}
	if c.reg != nil {
		labels := prometheus.Labels{"namespace": c.ns}
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_cache_hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_cache_misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		})
		c.fallbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_cache_fallback_reads_total",
			Help:        "Total number of reads served by the local fallback",
			ConstLabels: labels,
		})
		c.invalidationCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_cache_invalidations_total",
			Help:        "Total number of keys invalidated",
			ConstLabels: labels,
		})
		c.reg.MustRegister(c.hitCounter, c.missCounter, c.fallbackCounter, c.invalidationCounter)
	}
	c.origin = newOriginID()
	if c.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.subCancel = cancel
		c.subDone = make(chan struct{})
		go c.listen(ctx)
	}
	return c
}

func (c *Distributed[T]) key(k string) string { return c.ns + k }

func (c *Distributed[T]) tagKey(tag string) string { return c.ns + tagKeyPrefix + tag }

// Get returns the cached value for key. The store is consulted first; when
// it cannot be reached the local fallback answers instead. A decode failure
// is returned as an error wrapping ErrDecode so callers can choose to treat
// it as a miss.
func (c *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if c.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Cache.Get")
		span.SetAttributes(attribute.String("coordkit.cache.key", key))
		defer span.End()
	}

	data, found, err := c.client.Get(ctx, c.key(key))
	if err != nil {
		if coorderrors.IsUnavailable(err) && c.local != nil {
			slog.Warn("coordkit: cache store read failed, serving local fallback",
				"key", key, "error", err)
			if v, ok := c.local.Get(c.key(key)); ok {
				if c.fallbackCounter != nil {
					c.fallbackCounter.Inc()
				}
				return v, true, nil
			}
			c.countMiss()
			return zero, false, nil
		}
		return zero, false, err
	}
	if !found {
		c.countMiss()
		return zero, false, nil
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("%w: key %s: %v", ErrDecode, key, err)
	}
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	return v, true, nil
}

func (c *Distributed[T]) countMiss() {
	if c.missCounter != nil {
		c.missCounter.Inc()
	}
}

// Set stores value under key with the given TTL and tag memberships. The
// write always lands in the local fallback as well, so the fallback is warm
// if the store becomes unreachable later. Store failures are absorbed: the
// local copy still happens and the error is logged, not returned. Encoding
// failures are returned wrapping ErrEncode.
func (c *Distributed[T]) Set(ctx context.Context, key string, value T, ttl time.Duration, tags ...string) error {
	if c.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Cache.Set")
		span.SetAttributes(attribute.String("coordkit.cache.key", key))
		defer span.End()
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: key %s: %v", ErrEncode, key, err)
	}

	nk := c.key(key)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.client.Set(gctx, nk, data, ttl)
	})
	for _, tag := range tags {
		tk := c.tagKey(tag)
		g.Go(func() error {
			return c.client.SAdd(gctx, tk, nk)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("coordkit: cache store write failed, keeping local copy only",
			"key", key, "error", err)
	}

	if c.local != nil {
		c.local.Set(nk, value, ttl)
		c.tags.add(nk, tags)
	}
	return nil
}

// Del removes key from the store and from the local fallback. The local
// cleanup happens regardless of the remote outcome so the fallback never
// serves a deleted entry, and peers are told to do the same.
func (c *Distributed[T]) Del(ctx context.Context, key string) error {
	nk := c.key(key)
	if _, err := c.client.Del(ctx, nk); err != nil {
		slog.Warn("coordkit: cache store delete failed, lease on staleness is the entry TTL",
			"key", key, "error", err)
	}
	c.dropLocal(nk)
	c.publish(ctx, invalidation{Keys: []string{nk}})
	if c.invalidationCounter != nil {
		c.invalidationCounter.Inc()
	}
	return nil
}

// InvalidateByPrefix removes every entry whose key starts with prefix. The
// remote batch is deleted inside one transactional pipeline so readers never
// observe a partially removed scan.
func (c *Distributed[T]) InvalidateByPrefix(ctx context.Context, prefix string) error {
	np := c.key(prefix)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keys, err := c.client.ScanPrefix(gctx, np)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		if err := c.client.DelBatch(gctx, keys); err != nil {
			return err
		}
		if c.invalidationCounter != nil {
			c.invalidationCounter.Add(float64(len(keys)))
		}
		return nil
	})
	g.Go(func() error {
		if c.local != nil {
			removed := c.local.DelPrefix(np)
			c.tags.dropKeys(removed)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("coordkit: cache prefix invalidation failed against the store",
			"prefix", prefix, "error", err)
	}

	c.publish(ctx, invalidation{Prefix: np})
	return nil
}

// InvalidateByTag removes every entry carrying tag, then the tag's member
// set itself, in a single atomic batch.
func (c *Distributed[T]) InvalidateByTag(ctx context.Context, tag string) error {
	tk := c.tagKey(tag)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		members, err := c.client.SMembers(gctx, tk)
		if err != nil {
			return err
		}
		if err := c.client.DelBatch(gctx, append(members, tk)); err != nil {
			return err
		}
		if c.invalidationCounter != nil {
			c.invalidationCounter.Add(float64(len(members)))
		}
		return nil
	})
	g.Go(func() error {
		c.dropLocalTag(tag)
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("coordkit: cache tag invalidation failed against the store",
			"tag", tag, "error", err)
	}

	c.publish(ctx, invalidation{Tags: []string{tag}})
	return nil
}

// Wrap is the read-through helper: it returns the cached value when present
// and otherwise computes it via producer, stores it best-effort, and returns
// it. The producer runs exactly once per invocation; concurrent misses on
// the same key each run their own producer. A value that fails to decode is
// recomputed rather than surfaced.
func (c *Distributed[T]) Wrap(ctx context.Context, key string, ttl time.Duration, producer Producer[T], tags ...string) (T, error) {
	var zero T
	if c.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Cache.Wrap")
		span.SetAttributes(attribute.String("coordkit.cache.key", key))
		defer span.End()
	}
	if c.strategy != nil {
		c.strategy.Record(key)
		if d := c.strategy.TTL(key); d > 0 {
			ttl = d
		}
	}

	v, found, err := c.Get(ctx, key)
	if err != nil {
		slog.Debug("coordkit: cache read failed during wrap, recomputing",
			"key", key, "error", err)
	} else if found {
		return v, nil
	}

	v, err = producer(ctx)
	if err != nil {
		return zero, err
	}
	// The computed value is the answer regardless of whether the write
	// sticks; Set only errors on encoding failures.
	if err := c.Set(ctx, key, v, ttl, tags...); err != nil {
		slog.Warn("coordkit: cache write-through failed after compute", "key", key, "error", err)
	}
	return v, nil
}

// dropLocal removes a namespaced key from the fallback and the local tag
// index.
func (c *Distributed[T]) dropLocal(nk string) {
	if c.local != nil {
		c.local.Del(nk)
	}
	c.tags.dropKey(nk)
}

// dropLocalTag drops a tag from the local index along with every fallback
// entry that carried it.
func (c *Distributed[T]) dropLocalTag(tag string) {
	keys := c.tags.dropTag(tag)
	if c.local == nil {
		return
	}
	for _, nk := range keys {
		c.local.Del(nk)
	}
}

// Close stops the bus subscriber and releases the local fallback.
func (c *Distributed[T]) Close() {
	if c.subCancel != nil {
		c.subCancel()
		<-c.subDone
	}
	if c.local != nil {
		c.local.Close()
	}
}
