package cache

// LRU is a Local fallback using a least-recently-used eviction policy.
//
// It wraps Memory for clarity when selecting fallback strategies.
type LRU[T any] struct {
	*Memory[T]
}

// NewLRU returns a new LRU fallback instance.
func NewLRU[T any](opts ...MemoryOption[T]) *LRU[T] {
	return &LRU[T]{NewMemory[T](opts...)}
}
