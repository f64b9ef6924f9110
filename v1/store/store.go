// Package store provides the key-value store client that every coordination
// component builds on. The Client interface is intentionally small: byte
// values in and out, millisecond TTLs, and the handful of primitives
// (conditional set, scripted eval, set membership, pipelined batches) that
// locks, caches and rate limiters need.
package store

import (
	"context"
	"time"
)

// TTL sentinels returned by PTTL, mirroring the store's own convention.
const (
	// TTLNone means the key exists but carries no expiry.
	TTLNone = time.Duration(-1)
	// TTLMissing means the key does not exist.
	TTLMissing = time.Duration(-2)
)

// Client is the access layer to the shared coordination store. All blocking
// calls honor the supplied context and apply a per-operation timeout on top
// of it. Implementations map transport failures onto the sentinels in the
// errors package so callers can classify them with errors.Is.
type Client interface {
	// Get returns the raw value stored at key. The boolean is false when the
	// key is absent; absence is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value at key. A ttl of zero stores the key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value at key only if the key does not already exist and
	// reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// DelBatch removes the given keys inside a transactional pipeline so the
	// deletion becomes visible atomically.
	DelBatch(ctx context.Context, keys []string) error

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// IncrWithTTL increments the integer at key and reads its remaining TTL
	// in the same round trip. The returned TTL uses the PTTL sentinels.
	IncrWithTTL(ctx context.Context, key string) (int64, time.Duration, error)

	// PTTL returns the remaining time to live of key, or one of the TTL
	// sentinels above.
	PTTL(ctx context.Context, key string) (time.Duration, error)

	// PExpire sets a fresh ttl on key and reports whether the key existed.
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Eval runs a server-side script against the given keys and arguments.
	// Scripts are cached by their source so repeated calls ship only the hash.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// ScanPrefix returns every key starting with prefix. The scan is
	// cursor-based and never blocks the store.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// SAdd adds members to the set at key, creating it when missing.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Config describes how Dial reaches the store and how patient it is while
// doing so.
type Config struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds each individual store operation. Defaults to 5s.
	OpTimeout time.Duration
	// DialAttempts is how many pings Dial issues before giving up.
	// Defaults to 5.
	DialAttempts int
	// DialBackoff is the initial delay between dial attempts. It doubles on
	// every failure, capped at one second, with jitter. Defaults to 100ms.
	DialBackoff time.Duration
}
