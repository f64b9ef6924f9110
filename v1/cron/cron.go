// Package cron runs recurring jobs across a fleet of instances while making
// sure each firing executes on exactly one of them. Every instance registers
// the same jobs and ticks on its own clock; the shared lock decides which
// ticker wins a given firing, and the losers skip it silently. Deduplication
// is only as good as the lease: a body that outlives its lease can overlap
// with the next winner, so bodies should be idempotent or leases generous.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskfleet/coordkit/v1/lock"
)

// lockKeyPrefix namespaces job leases inside the locker's own prefix.
const lockKeyPrefix = "cron:"

// leaseFactor is how many intervals a default lease spans. Leases must
// outlive a slow run by a wide margin, or the run gets shadow-executed by
// the next winner.
const leaseFactor = 10

// Job is a recurring unit of work shared by every instance.
type Job struct {
	// Name identifies the job fleet-wide; it is the lease key.
	Name string
	// Every is the firing interval.
	Every time.Duration
	// LeaseTTL is how long a winning instance keeps exclusive claim on a
	// firing. Zero means leaseFactor times the interval.
	LeaseTTL time.Duration
	// Run is the job body. Errors are logged and the next tick retries;
	// a panic is recovered and reported the same way.
	Run func(ctx context.Context) error
}

// Coordinator owns a set of registered jobs and the tickers that fire them.
type Coordinator struct {
	locker *lock.Locker

	mu     sync.Mutex
	jobs   map[string]Job
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runsCounter     *prometheus.CounterVec
	skipsCounter    *prometheus.CounterVec
	failuresCounter *prometheus.CounterVec
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordkit_cron_runs_total",
			Help: "Total number of job firings executed by this instance",
		}, []string{"job"})
		c.skipsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordkit_cron_skips_total",
			Help: "Total number of job firings skipped because another instance held the lease",
		}, []string{"job"})
		c.failuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordkit_cron_failures_total",
			Help: "Total number of job runs that returned an error or panicked",
		}, []string{"job"})
		reg.MustRegister(c.runsCounter, c.skipsCounter, c.failuresCounter)
	}
}

// New returns a Coordinator that arbitrates job firings through locker.
func New(locker *lock.Locker, opts ...Option) *Coordinator {
	c := &Coordinator{
		locker: locker,
		jobs:   make(map[string]Job),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a job. Jobs must be registered before Start and names must
// be unique; every instance of the fleet should register the same set.
func (c *Coordinator) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("coordkit: job needs a name")
	}
	if job.Every <= 0 {
		return fmt.Errorf("coordkit: job %q needs a positive interval", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("coordkit: job %q has no body", job.Name)
	}
	if job.LeaseTTL <= 0 {
		job.LeaseTTL = leaseFactor * job.Every
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("coordkit: job %q registered after start", job.Name)
	}
	if _, exists := c.jobs[job.Name]; exists {
		return fmt.Errorf("coordkit: job %q already registered", job.Name)
	}
	c.jobs[job.Name] = job
	return nil
}

// Start spawns one ticker goroutine per registered job. The first firing
// happens one interval after Start, not immediately. Calling Start twice is
// a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	jobs := make([]Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	c.mu.Unlock()

	for _, job := range jobs {
		c.wg.Add(1)
		go c.loop(ctx, job)
	}
	slog.Info("coordkit: cron coordinator started", "jobs", len(jobs))
}

// Stop cancels every ticker and waits for in-flight runs to finish. Bodies
// receive the cancellation through their context but are not forcibly
// killed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	slog.Info("coordkit: cron coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context, job Job) {
	defer c.wg.Done()
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors and skips are handled inside RunOnce; a failed run's
			// retry is simply the next tick.
			_, _ = c.RunOnce(ctx, job.Name)
		}
	}
}

// RunOnce attempts a single firing of the named job: one lock attempt, no
// retries. It reports whether this instance ran the body. A false return
// with a nil error means another instance held the lease (the normal
// outcome on all but one instance) or the store was unreachable, in which
// case "someone else might be running it" is the safe assumption.
func (c *Coordinator) RunOnce(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	job, ok := c.jobs[name]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("coordkit: unknown job %q", name)
	}

	start := time.Now()
	_, ran, err := lock.WithLock(ctx, c.locker, lockKeyPrefix+name,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, runGuarded(ctx, job)
		},
		lock.WithTTL(job.LeaseTTL), lock.WithRetries(0))
	if !ran {
		c.count(c.skipsCounter, name)
		slog.Debug("coordkit: job lease held elsewhere, skipping tick", "job", name)
		return false, nil
	}
	if err != nil {
		c.count(c.failuresCounter, name)
		slog.Error("coordkit: job run failed",
			"job", name, "duration", time.Since(start), "error", err)
		return true, err
	}
	c.count(c.runsCounter, name)
	slog.Info("coordkit: job run complete", "job", name, "duration", time.Since(start))
	return true, nil
}

func (c *Coordinator) count(vec *prometheus.CounterVec, name string) {
	if vec != nil {
		vec.WithLabelValues(name).Inc()
	}
}

// runGuarded invokes the body and converts a panic into an error so one bad
// job cannot take the whole coordinator down.
func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordkit: job %q panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
