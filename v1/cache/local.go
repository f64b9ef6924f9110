package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Local is the in-process fallback layer behind the distributed cache. It is
// consulted when the shared store cannot be reached, so implementations must
// be safe for concurrent use and must expire entries against the local clock
// at read time.
type Local[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T, ttl time.Duration)
	Del(key string)
	// DelPrefix removes every entry whose key starts with prefix and returns
	// the removed keys.
	DelPrefix(prefix string) []string
	// Close releases any background resources.
	Close()
}

// Memory is a Local backed by a plain map with LRU eviction and a background
// sweeper for expired entries.
type Memory[T any] struct {
	mu            sync.RWMutex
	items         map[string]memoryItem[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type memoryItem[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

// MemoryOption configures a Memory cache.
type MemoryOption[T any] func(*Memory[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) MemoryOption[T] {
	return func(m *Memory[T]) {
		m.sweepInterval = d
	}
}

// WithMaxEntries sets the maximum number of entries the cache can hold.
// A non-positive value means the cache size is unbounded.
func WithMaxEntries[T any](n int) MemoryOption[T] {
	return func(m *Memory[T]) {
		m.maxEntries = n
	}
}

const defaultSweepInterval = time.Minute

// NewMemory returns a map-backed Local. Expired entries are dropped lazily on
// read and periodically by a background sweeper.
func NewMemory[T any](opts ...MemoryOption[T]) *Memory[T] {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory[T]{
		items:         make(map[string]memoryItem[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}
	return m
}

// Get implements Local.Get.
func (m *Memory[T]) Get(key string) (T, bool) {
	var zero T
	m.mu.Lock()
	it, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		m.misses.Add(1)
		return zero, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		m.order.Remove(it.element)
		delete(m.items, key)
		m.mu.Unlock()
		m.misses.Add(1)
		return zero, false
	}
	m.order.MoveToFront(it.element)
	m.mu.Unlock()
	m.hits.Add(1)
	return it.value, true
}

// Set implements Local.Set. A non-positive ttl stores the entry without
// expiry.
func (m *Memory[T]) Set(key string, value T, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		m.items[key] = it
		m.order.MoveToFront(it.element)
		return
	}
	elem := m.order.PushFront(key)
	m.items[key] = memoryItem[T]{value: value, expiresAt: exp, element: elem}
	if m.maxEntries > 0 && len(m.items) > m.maxEntries {
		tail := m.order.Back()
		if tail != nil {
			k := tail.Value.(string)
			m.order.Remove(tail)
			delete(m.items, k)
		}
	}
}

// Del implements Local.Del.
func (m *Memory[T]) Del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok {
		m.order.Remove(it.element)
		delete(m.items, key)
	}
}

// DelPrefix implements Local.DelPrefix.
func (m *Memory[T]) DelPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for k, it := range m.items {
		if strings.HasPrefix(k, prefix) {
			m.order.Remove(it.element)
			delete(m.items, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// sweeper periodically removes expired items. It samples the map instead of
// walking it whole so a large cache never stays locked for long, repeating
// while the sample keeps turning up mostly expired entries.
func (m *Memory[T]) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expired := 0
				checked := 0
				now := time.Now()

				m.mu.Lock()
				if len(m.items) == 0 {
					m.mu.Unlock()
					break
				}
				for k, it := range m.items {
					checked++
					if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
						m.order.Remove(it.element)
						delete(m.items, k)
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				m.mu.Unlock()

				if float64(expired) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Close implements Local.Close.
func (m *Memory[T]) Close() {
	m.cancel()
	m.wg.Wait()
	m.mu.Lock()
	m.items = make(map[string]memoryItem[T])
	m.order.Init()
	m.mu.Unlock()
}

// Stats reports basic usage counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Stats returns current usage counters for the cache.
func (m *Memory[T]) Stats() Stats {
	m.mu.RLock()
	size := len(m.items)
	m.mu.RUnlock()
	return Stats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
		Size:   size,
	}
}
