package cache

import "time"

// TTLStrategy provides dynamic TTL values based on access patterns.
// Implementations observe key usage through Record and decide the
// expiration Wrap applies to a freshly computed entry.
type TTLStrategy interface {
	// Record notifies the strategy of an access to the key.
	Record(key string)
	// TTL returns the TTL to apply for the key. A non-positive duration
	// defers to the caller's own TTL.
	TTL(key string) time.Duration
}
