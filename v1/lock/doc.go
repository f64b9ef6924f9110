// Package lock provides store-backed distributed locks with lease TTLs and
// ownership tokens. Acquisition retries with exponential backoff and fails
// closed: when the store cannot be reached the lock is reported as not
// acquired. Release and extension run as atomic compare scripts on the store
// so an expired owner can never clobber a lock that has moved on.
package lock
