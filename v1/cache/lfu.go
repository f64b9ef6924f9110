package cache

// LFU is a Local fallback with a least-frequently-used eviction policy.
//
// It is backed by ristretto which implements a TinyLFU admission algorithm.
type LFU[T any] struct {
	*Ristretto[T]
}

// NewLFU returns a new LFU fallback instance.
//
// It reuses the ristretto implementation under the hood.
func NewLFU[T any](opts ...RistrettoOption) *LFU[T] {
	return &LFU[T]{NewRistretto[T](opts...)}
}
