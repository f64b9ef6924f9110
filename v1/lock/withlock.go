package lock

import (
	"context"
	"log/slog"
)

// WithLock runs body while holding the named lock and releases it on every
// exit path, including panics. The boolean return is false when the lock was
// not acquired, in which case body never ran. Errors from body pass through
// after the release.
func WithLock[T any](ctx context.Context, l *Locker, key string, body func(context.Context) (T, error), opts ...AcquireOption) (T, bool, error) {
	var zero T
	token, ok := l.Acquire(ctx, key, opts...)
	if !ok {
		return zero, false, nil
	}
	defer func() {
		// The caller's context may already be cancelled by the time we
		// release; the lease must still be freed promptly.
		released, err := l.Release(context.Background(), key, token)
		if err != nil {
			slog.Warn("coordkit: lock release failed, lease will expire on its own",
				"key", key, "error", err)
		} else if !released {
			slog.Warn("coordkit: lock changed hands before release", "key", key)
		}
	}()
	v, err := body(ctx)
	return v, true, err
}
