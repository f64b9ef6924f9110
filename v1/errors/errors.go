// Package errors defines the error taxonomy shared by the coordination
// components. Store-level failures are mapped onto these sentinels so that
// callers can decide between failing open, falling back, or propagating
// with a single errors.Is check.
package errors

import "errors"

var (
	// ErrTimeout reports that a store round trip exceeded its deadline.
	ErrTimeout = errors.New("coordkit: timeout")
	// ErrConnectionClosed reports that the store client was closed underneath
	// the caller.
	ErrConnectionClosed = errors.New("coordkit: connection closed")
	// ErrUnavailable reports that the shared store could not be reached.
	ErrUnavailable = errors.New("coordkit: store unavailable")
)

// IsUnavailable reports whether err belongs to the class of failures that the
// coordination layer recovers from locally (fallback caches, fail-open rate
// limiting, skipped lock acquisitions).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed)
}
