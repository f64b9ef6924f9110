package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Ristretto is a Local backed by dgraph-io/ristretto. Because ristretto does
// not expose key iteration, a side registry of live keys is kept so prefix
// invalidation can find them.
type Ristretto[T any] struct {
	c *ristretto.Cache

	mu   sync.Mutex
	keys map[string]struct{}
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Local backed by ristretto.
//
// The default configuration aims for a generous in-memory cache; every entry
// is stored with unit cost, so MaxCost bounds the entry count.
func NewRistretto[T any](opts ...RistrettoOption) *Ristretto[T] {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 20, // maximum cost of cache.
		BufferItems: 64,      // number of keys per Get buffer.
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		panic(err)
	}
	return &Ristretto[T]{c: rc, keys: make(map[string]struct{})}
}

// Get implements Local.Get. Keys whose entries were evicted or expired are
// pruned from the registry on the way out.
func (r *Ristretto[T]) Get(key string) (T, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		var zero T
		r.mu.Lock()
		delete(r.keys, key)
		r.mu.Unlock()
		return zero, false
	}
	val, _ := v.(T)
	return val, true
}

// Set implements Local.Set.
func (r *Ristretto[T]) Set(key string, value T, ttl time.Duration) {
	if ttl < 0 {
		return
	}
	r.c.SetWithTTL(key, value, 1, ttl)
	r.c.Wait()
	r.mu.Lock()
	r.keys[key] = struct{}{}
	r.mu.Unlock()
}

// Del implements Local.Del.
func (r *Ristretto[T]) Del(key string) {
	r.c.Del(key)
	r.c.Wait()
	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()
}

// DelPrefix implements Local.DelPrefix.
func (r *Ristretto[T]) DelPrefix(prefix string) []string {
	r.mu.Lock()
	var removed []string
	for k := range r.keys {
		if strings.HasPrefix(k, prefix) {
			removed = append(removed, k)
			delete(r.keys, k)
		}
	}
	r.mu.Unlock()
	for _, k := range removed {
		r.c.Del(k)
	}
	r.c.Wait()
	return removed
}

// Close implements Local.Close.
func (r *Ristretto[T]) Close() {
	r.c.Close()
}
