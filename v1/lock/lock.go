package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskfleet/coordkit/v1/store"
)

var tracer = otel.Tracer("github.com/taskfleet/coordkit/v1/lock")

// releaseScript deletes the lock only while the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// extendScript renews the lease only while the caller still owns it.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`

const (
	defaultTTL        = 30 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = 50 * time.Millisecond
	defaultPrefix     = "lock:"
)

// Locker hands out mutual-exclusion leases backed by the shared store. Every
// acquired lock carries a random ownership token; release and extend succeed
// only while the stored token still matches.
type Locker struct {
	client store.Client
	prefix string
	ttl    time.Duration

	reg          prometheus.Registerer
	traceEnabled bool

	acquiredCounter  prometheus.Counter
	contendedCounter prometheus.Counter
	errorCounter     prometheus.Counter
	mismatchCounter  prometheus.Counter
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix sets the key namespace for lock entries.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithDefaultTTL sets the lease duration used when a call does not specify
// its own.
func WithDefaultTTL(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithTracing enables OpenTelemetry spans around lock acquisition.
func WithTracing() Option {
	return func(l *Locker) {
		l.traceEnabled = true
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. Counters are labelled with the locker's key prefix so several
// lockers can share one registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Locker) {
		l.reg = reg
	}
}

// New returns a Locker backed by the given store client.
func New(client store.Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reg != nil {
		labels := prometheus.Labels{"prefix": l.prefix}
		l.acquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_lock_acquired_total",
			Help:        "Total number of successful lock acquisitions",
			ConstLabels: labels,
		})
		l.contendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_lock_contended_total",
			Help:        "Total number of lock attempts that found the lock held",
			ConstLabels: labels,
		})
		l.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_lock_errors_total",
			Help:        "Total number of lock attempts that failed against the store",
			ConstLabels: labels,
		})
		l.mismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "coordkit_lock_token_mismatches_total",
			Help:        "Total number of release or extend calls that found a foreign token",
			ConstLabels: labels,
		})
		l.reg.MustRegister(l.acquiredCounter, l.contendedCounter, l.errorCounter, l.mismatchCounter)
	}
	return l
}

type acquireOptions struct {
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

// AcquireOption tunes a single acquisition attempt.
type AcquireOption func(*acquireOptions)

// WithTTL sets the lease duration for this acquisition.
func WithTTL(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithRetries sets how many additional attempts follow a contended first try.
// Zero means a single attempt.
func WithRetries(n int) AcquireOption {
	return func(o *acquireOptions) {
		if n < 0 {
			n = 0
		}
		o.retries = n
	}
}

// WithRetryDelay sets the base delay between attempts. The delay doubles on
// every failed attempt.
func WithRetryDelay(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// TryAcquire makes a single attempt to take the lock and returns the
// ownership token on success. Unlike Acquire it surfaces store errors, for
// callers that need to distinguish contention from outage.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, []byte(token), ttl)
	if err != nil {
		if l.errorCounter != nil {
			l.errorCounter.Inc()
		}
		return "", false, err
	}
	if !ok {
		if l.contendedCounter != nil {
			l.contendedCounter.Inc()
		}
		return "", false, nil
	}
	if l.acquiredCounter != nil {
		l.acquiredCounter.Inc()
	}
	return token, true, nil
}

// Acquire takes the lock, retrying with exponential backoff while it is
// contended. It returns the ownership token and true on success. Store
// failures are absorbed: they consume the retry budget like contention and
// the lock is reported as not acquired, never falsely held.
func (l *Locker) Acquire(ctx context.Context, key string, opts ...AcquireOption) (string, bool) {
	o := acquireOptions{ttl: l.ttl, retries: defaultRetries, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		opt(&o)
	}

	if l.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Acquire")
		span.SetAttributes(attribute.String("coordkit.lock.key", key))
		defer span.End()
	}

	for attempt := 0; ; attempt++ {
		token, ok, err := l.TryAcquire(ctx, key, o.ttl)
		if ok {
			return token, true
		}
		if err != nil {
			slog.Warn("coordkit: lock attempt failed, treating as contended",
				"key", key, "attempt", attempt, "error", err)
		}
		if attempt >= o.retries {
			return "", false
		}
		delay := o.retryDelay << uint(attempt)
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(delay):
		}
	}
}

// Release frees the lock if token still owns it and reports whether the
// release happened. A false return with nil error means the lease already
// expired or was taken over.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, token)
	if err != nil {
		return false, err
	}
	if n, ok := res.(int64); ok && n == 1 {
		return true, nil
	}
	if l.mismatchCounter != nil {
		l.mismatchCounter.Inc()
	}
	return false, nil
}

// Extend renews the lease to ttl if token still owns the lock and reports
// whether the renewal happened.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	res, err := l.client.Eval(ctx, extendScript, []string{l.prefix + key}, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	if n, ok := res.(int64); ok && n == 1 {
		return true, nil
	}
	if l.mismatchCounter != nil {
		l.mismatchCounter.Inc()
	}
	return false, nil
}

// IsLocked reports whether the lock is currently held by anyone. The answer
// is advisory: it may be stale by the time the caller acts on it.
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	_, found, err := l.client.Get(ctx, l.prefix+key)
	if err != nil {
		return false, err
	}
	return found, nil
}
