// Command bench measures the per-operation cost of each coordination
// primitive against a live store, printing a markdown table of throughput
// and latency per target. The local-store targets need no store at all and
// give the ceiling the distributed paths are compared against.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskfleet/coordkit/v1/cache"
	"github.com/taskfleet/coordkit/v1/lock"
	"github.com/taskfleet/coordkit/v1/ratelimit"
	"github.com/taskfleet/coordkit/v1/store"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	dataSize    = flag.Int("d", 256, "Payload size")
	target      = flag.String("target", "all", "Target: local, ristretto, cache, wrap, lock, ratelimit, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'x'
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"local", "ristretto", "cache", "wrap", "lock", "ratelimit", "redis"}
	}

	fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t), payload)
	}
}

// dialStore connects once per target so a dead store fails the target, not
// the whole run.
func dialStore(ctx context.Context) (*store.RedisClient, error) {
	return store.Dial(ctx, store.Config{Addr: *redisAddr, DialAttempts: 1})
}

func runBenchmark(name string, payload []byte) {
	var (
		op      func(ctx context.Context, worker, seq int) error
		cleanup func()
	)

	ctx := context.Background()
	key := "bench:key"

	switch name {
	case "local":
		local := cache.NewMemory[[]byte]()
		local.Set(key, payload, time.Hour)
		op = func(ctx context.Context, worker, seq int) error {
			if _, found := local.Get(key); !found {
				return fmt.Errorf("not found")
			}
			return nil
		}
		cleanup = local.Close

	case "ristretto":
		local := cache.NewRistretto[[]byte]()
		local.Set(key, payload, time.Hour)
		// Ristretto admits asynchronously; give the buffers a beat.
		time.Sleep(10 * time.Millisecond)
		op = func(ctx context.Context, worker, seq int) error {
			if _, found := local.Get(key); !found {
				return fmt.Errorf("not found")
			}
			return nil
		}
		cleanup = local.Close

	case "cache":
		client, err := dialStore(ctx)
		if err != nil {
			fail(name)
			return
		}
		c := cache.NewDistributed[[]byte](client, cache.WithNamespace[[]byte]("bench:"))
		if err := c.Set(ctx, key, payload, time.Hour); err != nil {
			fail(name)
			return
		}
		op = func(ctx context.Context, worker, seq int) error {
			_, _, err := c.Get(ctx, key)
			return err
		}
		cleanup = func() { c.Close(); _ = client.Close() }

	case "wrap":
		client, err := dialStore(ctx)
		if err != nil {
			fail(name)
			return
		}
		c := cache.NewDistributed[[]byte](client, cache.WithNamespace[[]byte]("bench:"))
		producer := func(ctx context.Context) ([]byte, error) { return payload, nil }
		op = func(ctx context.Context, worker, seq int) error {
			_, err := c.Wrap(ctx, key, time.Hour, producer)
			return err
		}
		cleanup = func() { c.Close(); _ = client.Close() }

	case "lock":
		client, err := dialStore(ctx)
		if err != nil {
			fail(name)
			return
		}
		locker := lock.New(client, lock.WithPrefix("bench:lock:"))
		// Per-worker keys so the run measures script round trips, not
		// contention.
		op = func(ctx context.Context, worker, seq int) error {
			k := fmt.Sprintf("w%d", worker)
			token, ok, err := locker.TryAcquire(ctx, k, time.Minute)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("lost own lock")
			}
			_, err = locker.Release(ctx, k, token)
			return err
		}
		cleanup = func() { _ = client.Close() }

	case "ratelimit":
		client, err := dialStore(ctx)
		if err != nil {
			fail(name)
			return
		}
		limiter := ratelimit.New(client, ratelimit.WithScope("bench"))
		op = func(ctx context.Context, worker, seq int) error {
			res := limiter.Allow(ctx, fmt.Sprintf("w%d", worker), *requests, time.Minute)
			if !res.Allowed {
				return fmt.Errorf("throttled")
			}
			return nil
		}
		cleanup = func() { _ = client.Close() }

	case "redis":
		client, err := dialStore(ctx)
		if err != nil {
			fail(name)
			return
		}
		if err := client.Set(ctx, key, payload, time.Hour); err != nil {
			fail(name)
			return
		}
		op = func(ctx context.Context, worker, seq int) error {
			_, _, err := client.Get(ctx, key)
			return err
		}
		cleanup = func() { _ = client.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	var wg sync.WaitGroup
	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := op(ctx, idx, j); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fail(name)
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	fmt.Printf("| %-15s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}

func fail(name string) {
	fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
}
