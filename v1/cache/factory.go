package cache

// Strategy defines the eviction policy used by NewLocal.
type Strategy int

const (
	// LRUStrategy uses a least-recently-used eviction policy.
	LRUStrategy Strategy = iota
	// LFUStrategy uses a least-frequently-used eviction policy.
	LFUStrategy
	// AdaptiveStrategy switches between LRU and LFU based on access patterns.
	AdaptiveStrategy
)

// NewLocal returns a fallback cache using the selected eviction strategy.
//
// By default an LRU cache is created; pass the result to WithFallback to
// pick the policy of a Distributed cache's local tier.
func NewLocal[T any](s Strategy) Local[T] {
	switch s {
	case LFUStrategy:
		return NewLFU[T]()
	case AdaptiveStrategy:
		return NewAdaptive[T]()
	default:
		return NewLRU[T]()
	}
}
