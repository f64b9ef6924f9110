// Package verify provides an anti-entropy checker that compares cached
// entries against the system of record. Invalidation fan-out keeps caches
// consistent in the common case; the checker catches what a lost event or a
// write that skipped invalidation leaves behind. Entries for records that no
// longer exist are not scanned and age out through their TTLs.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/taskfleet/coordkit/v1/adapter"
	"github.com/taskfleet/coordkit/v1/cache"
)

// Mode defines what the checker does about drifted entries.
type Mode int

const (
	// ModeReport counts and logs drift without touching the cache.
	ModeReport Mode = iota
	// ModeRepair drops drifted entries so the next read recomputes from the
	// record.
	ModeRepair
)

// Checker compares a cache namespace against its system of record. The
// cache key of a record is its source id.
type Checker[T any] struct {
	cache  *cache.Distributed[T]
	source adapter.Source[T]
	mode   Mode
	drift  atomic.Uint64
}

// Option configures a Checker.
type Option[T any] func(*Checker[T])

// WithMode sets how drift is handled. The default is ModeReport.
func WithMode[T any](m Mode) Option[T] {
	return func(v *Checker[T]) {
		v.mode = m
	}
}

// New returns a Checker comparing c's entries against src.
func New[T any](c *cache.Distributed[T], src adapter.Source[T], opts ...Option[T]) *Checker[T] {
	v := &Checker[T]{cache: c, source: src}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Scan walks the system of record once and returns how many cached entries
// had drifted from it. Records the cache holds no entry for are fine: a
// miss recomputes from the record anyway. Per-entry read failures are
// skipped; the next scan retries them.
func (v *Checker[T]) Scan(ctx context.Context) (int, error) {
	ids, err := v.source.List(ctx)
	if err != nil {
		return 0, err
	}
	drifted := 0
	for _, id := range ids {
		cached, found, err := v.cache.Get(ctx, id)
		if err != nil || !found {
			continue
		}
		rec, ok, err := v.source.Get(ctx, id)
		if err != nil {
			continue
		}
		if ok && equal(cached, rec) {
			continue
		}
		drifted++
		v.drift.Add(1)
		slog.Warn("coordkit: cache entry drifted from record",
			"id", id, "record_exists", ok, "repair", v.mode == ModeRepair)
		if v.mode == ModeRepair {
			if err := v.cache.Del(ctx, id); err != nil {
				slog.Warn("coordkit: drift repair failed", "id", id, "error", err)
			}
		}
	}
	return drifted, nil
}

// Run scans on a fixed interval until ctx is cancelled, for standalone use.
// Deployments running several instances usually wrap Scan in a coordinated
// cron job instead so one instance scans per tick.
func (v *Checker[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil {
				slog.Warn("coordkit: verify scan failed", "error", err)
			}
		}
	}
}

// Drift returns the total number of drifted entries seen across all scans.
func (v *Checker[T]) Drift() uint64 {
	return v.drift.Load()
}

// equal compares values through their JSON encoding, which tolerates types
// that are not comparable directly.
func equal[T any](a, b T) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}
