package cache

import (
	"sync/atomic"
	"time"
)

// Adaptive is a Local fallback that switches between LRU and LFU eviction
// based on observed hit rates.
type Adaptive[T any] struct {
	lru Local[T]
	lfu Local[T]

	useLFU atomic.Bool
	hits   uint64
	misses uint64

	switchEvery uint64
}

// NewAdaptive creates a new Adaptive fallback.
//
// It starts with LRU and re-evaluates the hit/miss ratio every 100 reads,
// switching to LFU while misses dominate and back to LRU once hits do.
func NewAdaptive[T any]() *Adaptive[T] {
	a := &Adaptive[T]{
		lru:         NewLRU[T](),
		lfu:         NewLFU[T](),
		switchEvery: 100,
	}
	a.useLFU.Store(false)
	return a
}

func (a *Adaptive[T]) active() Local[T] {
	if a.useLFU.Load() {
		return a.lfu
	}
	return a.lru
}

func (a *Adaptive[T]) adjust() {
	total := atomic.LoadUint64(&a.hits) + atomic.LoadUint64(&a.misses)
	if total < a.switchEvery {
		return
	}
	a.useLFU.Store(atomic.LoadUint64(&a.misses) > atomic.LoadUint64(&a.hits))
	atomic.StoreUint64(&a.hits, 0)
	atomic.StoreUint64(&a.misses, 0)
}

// Get implements Local.Get.
func (a *Adaptive[T]) Get(key string) (T, bool) {
	v, ok := a.active().Get(key)
	if ok {
		atomic.AddUint64(&a.hits, 1)
	} else {
		atomic.AddUint64(&a.misses, 1)
	}
	a.adjust()
	return v, ok
}

// Set stores the key in both underlying caches so a strategy switch never
// loses entries.
func (a *Adaptive[T]) Set(key string, value T, ttl time.Duration) {
	a.lru.Set(key, value, ttl)
	a.lfu.Set(key, value, ttl)
}

// Del implements Local.Del.
func (a *Adaptive[T]) Del(key string) {
	a.lru.Del(key)
	a.lfu.Del(key)
}

// DelPrefix implements Local.DelPrefix.
func (a *Adaptive[T]) DelPrefix(prefix string) []string {
	removed := a.lru.DelPrefix(prefix)
	seen := make(map[string]struct{}, len(removed))
	for _, k := range removed {
		seen[k] = struct{}{}
	}
	for _, k := range a.lfu.DelPrefix(prefix) {
		if _, ok := seen[k]; !ok {
			removed = append(removed, k)
		}
	}
	return removed
}

// Close implements Local.Close.
func (a *Adaptive[T]) Close() {
	a.lru.Close()
	a.lfu.Close()
}
