// Package ratelimit implements a fixed-window request limiter on the shared
// store. Counters live under a bucket-numbered key per identity, so windows
// reset by key rollover rather than by explicit cleanup. The limiter fails
// open: when the store cannot be reached, requests are admitted and the
// outage is logged, because throttling is a protection layer and must never
// become the outage itself.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskfleet/coordkit/v1/store"
)

var tracer = otel.Tracer("github.com/taskfleet/coordkit/v1/ratelimit")

const (
	defaultNamespace = "ratelimit:"
	defaultScope     = "global"
)

// Result is the outcome of a single admission check.
type Result struct {
	// Allowed reports whether the request fits in the current window.
	Allowed bool
	// Remaining is how many requests the window still admits.
	Remaining int
	// Reset is when the current window ends and the count starts over.
	Reset time.Time
}

// Limiter is a fixed-window counter shared across instances through the
// store. Each (identity, scope, window-bucket) triple owns one counter whose
// TTL equals the window, so stale buckets evaporate on their own.
//
// Fixed windows admit bursts of up to twice the limit across a window
// boundary. That is the accepted cost of a single atomic increment per
// check; a sliding window would need per-request bookkeeping.
type Limiter struct {
	client store.Client
	ns     string
	scope  string

	// now is replaceable so window rollover is testable without sleeping.
	now func() time.Time

	reg          prometheus.Registerer
	traceEnabled bool

	allowedCounter   prometheus.Counter
	throttledCounter prometheus.Counter
	failopenCounter  prometheus.Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNamespace sets the key prefix under which counters live.
func WithNamespace(ns string) Option {
	return func(l *Limiter) {
		if ns != "" {
			l.ns = ns
		}
	}
}

// WithScope names the endpoint or operation this limiter protects. Scopes
// keep counters apart, so one identity gets an independent budget per scope.
func WithScope(scope string) Option {
	return func(l *Limiter) {
		if scope != "" {
			l.scope = scope
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.reg = reg
	}
}

// WithTracing enables OpenTelemetry spans around admission checks.
func WithTracing() Option {
	return func(l *Limiter) {
		l.traceEnabled = true
	}
}

// New returns a Limiter on the given store client.
func New(client store.Client, opts ...Option) *Limiter {
	l := &Limiter{
		client: client,
		ns:     defaultNamespace,
		scope:  defaultScope,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reg != nil {
		labels := prometheus.Labels{"scope": l.scope}
		l.allowedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_ratelimit_allowed_total",
			Help:        "Total number of requests admitted by the rate limiter",
			ConstLabels: labels,
		})
		l.throttledCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_ratelimit_throttled_total",
			Help:        "Total number of requests rejected by the rate limiter",
			ConstLabels: labels,
		})
		l.failopenCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_ratelimit_failopen_total",
			Help:        "Total number of requests admitted because the store was unreachable",
			ConstLabels: labels,
		})
		l.reg.MustRegister(l.allowedCounter, l.throttledCounter, l.failopenCounter)
	}
	return l
}

// hashIdentity fingerprints the identity before it becomes key material, so
// raw addresses or user IDs never appear in the store keyspace.
func hashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:16]
}

func (l *Limiter) key(identity string, bucket int64) string {
	return fmt.Sprintf("%s%s:%s:%d", l.ns, l.scope, hashIdentity(identity), bucket)
}

// Allow counts one request for identity against limit within the current
// window and reports whether it fits. The counter increment and its TTL read
// travel in one pipeline; a freshly created counter gets the window as TTL
// (two instances racing on that set both write the same deadline, so the
// race is harmless). A non-positive window is treated as one second, and a
// limit of zero throttles everything.
func (l *Limiter) Allow(ctx context.Context, identity string, limit int, window time.Duration) Result {
	if l.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "RateLimit.Allow")
		span.SetAttributes(attribute.String("coordkit.ratelimit.scope", l.scope))
		defer span.End()
	}

	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1000
	}
	bucket := l.now().UnixMilli() / windowMs
	reset := time.UnixMilli((bucket + 1) * windowMs)
	key := l.key(identity, bucket)

	count, pttl, err := l.client.IncrWithTTL(ctx, key)
	if err != nil {
		slog.Warn("coordkit: rate limit store unreachable, failing open",
			"scope", l.scope, "error", err)
		if l.failopenCounter != nil {
			l.failopenCounter.Inc()
		}
		return Result{Allowed: true, Remaining: limit, Reset: reset}
	}
	if pttl == store.TTLNone || pttl == store.TTLMissing {
		if _, err := l.client.PExpire(ctx, key, time.Duration(windowMs)*time.Millisecond); err != nil {
			slog.Warn("coordkit: rate limit window ttl not set, counter will linger",
				"scope", l.scope, "error", err)
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= int64(limit)
	if allowed {
		if l.allowedCounter != nil {
			l.allowedCounter.Inc()
		}
	} else {
		if l.throttledCounter != nil {
			l.throttledCounter.Inc()
		}
		slog.Debug("coordkit: request throttled",
			"scope", l.scope, "limit", limit, "count", count)
	}
	return Result{Allowed: allowed, Remaining: remaining, Reset: reset}
}
