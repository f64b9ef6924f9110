// Package adaptive provides dynamic TTL strategies for the distributed
// cache. Keys read often enough within a sliding time window count as hot
// and are kept around longer than cold ones, so popular entries survive
// store round trips while one-off reads expire quickly.
package adaptive

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskfleet/coordkit/v1/cache"
)

// SlidingWindow is a TTLStrategy that detects hot keys using a sliding time
// window over recent accesses and adjusts the TTL accordingly.
type SlidingWindow struct {
	Window    time.Duration
	Threshold int
	ColdTTL   time.Duration
	HotTTL    time.Duration

	mu      sync.Mutex
	hits    map[string][]time.Time
	lastTTL map[string]time.Duration
	hotKeys map[string]bool

	adjustCounter prometheus.Counter
	hotGauge      prometheus.Gauge
}

// NewSlidingWindow creates a new SlidingWindow strategy. Keys accessed at
// least threshold times within window get hotTTL; everything else gets
// coldTTL. reg may be nil to disable metrics registration.
func NewSlidingWindow(window time.Duration, threshold int, coldTTL, hotTTL time.Duration, reg prometheus.Registerer) *SlidingWindow {
	sw := &SlidingWindow{
		Window:    window,
		Threshold: threshold,
		ColdTTL:   coldTTL,
		HotTTL:    hotTTL,
		hits:      make(map[string][]time.Time),
		lastTTL:   make(map[string]time.Duration),
		hotKeys:   make(map[string]bool),
	}
	if reg != nil {
		sw.adjustCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordkit_cache_ttl_adjustments_total",
			Help: "Total number of TTL adjustments by the adaptive strategy",
		})
		sw.hotGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordkit_cache_hot_keys",
			Help: "Number of keys currently considered hot",
		})
		reg.MustRegister(sw.adjustCounter, sw.hotGauge)
	}
	return sw
}

// Record implements cache.TTLStrategy.Record.
func (s *SlidingWindow) Record(key string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[key] = prune(append(s.hits[key], now), now.Add(-s.Window))
}

// TTL implements cache.TTLStrategy.TTL.
func (s *SlidingWindow) TTL(key string) time.Duration {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamps := prune(s.hits[key], now.Add(-s.Window))
	s.hits[key] = timestamps

	ttl := s.ColdTTL
	hot := len(timestamps) >= s.Threshold
	if hot {
		ttl = s.HotTTL
	}

	if last, ok := s.lastTTL[key]; !ok || last != ttl {
		slog.Debug("coordkit: adaptive ttl adjusted", "key", key, "ttl", ttl)
		if s.adjustCounter != nil {
			s.adjustCounter.Inc()
		}
		s.lastTTL[key] = ttl
	}

	if hot && !s.hotKeys[key] {
		if s.hotGauge != nil {
			s.hotGauge.Inc()
		}
		s.hotKeys[key] = true
	} else if !hot && s.hotKeys[key] {
		if s.hotGauge != nil {
			s.hotGauge.Dec()
		}
		delete(s.hotKeys, key)
	}

	return ttl
}

// prune drops timestamps at or before the cutoff, reusing the backing array.
func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, t := range timestamps {
		if t.After(cutoff) {
			timestamps[i] = t
			i++
		}
	}
	return timestamps[:i]
}

var _ cache.TTLStrategy = (*SlidingWindow)(nil)
