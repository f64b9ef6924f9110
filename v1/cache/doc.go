// Package cache provides a read-through distributed cache on top of the
// shared store, with tag and prefix invalidation and an in-process fallback.
// When the store is reachable it is the sole authority; when it is not,
// reads and writes degrade to a local cache so the instance keeps serving,
// at the cost of cross-instance consistency. Invalidations fan out to peer
// instances over an optional bus so their fallbacks do not serve stale data.
package cache
