package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	coorderrors "github.com/taskfleet/coordkit/v1/errors"
)

const (
	defaultOpTimeout    = 5 * time.Second
	defaultDialAttempts = 5
	defaultDialBackoff  = 100 * time.Millisecond
	maxDialBackoff      = time.Second
	scanBatchSize       = 100
	delBatchChunk       = 512
)

// RedisClient implements Client on top of a single Redis connection pool.
type RedisClient struct {
	rdb     *redis.Client
	timeout time.Duration

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// Option configures a RedisClient.
type Option func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithOpTimeout sets the per-operation timeout applied on top of the
// caller's context.
func WithOpTimeout(d time.Duration) Option {
	return func(o *redisOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedis wraps an existing Redis client. The caller keeps ownership of the
// client's lifecycle unless Close is used.
func NewRedis(client *redis.Client, opts ...Option) *RedisClient {
	o := redisOptions{timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisClient{
		rdb:     client,
		timeout: o.timeout,
		scripts: make(map[string]*redis.Script),
	}
}

// Dial connects to the store described by cfg and verifies connectivity,
// retrying with exponential backoff and jitter before giving up.
func Dial(ctx context.Context, cfg Config) (*RedisClient, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = defaultDialBackoff
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	backoff := cfg.DialBackoff
	var lastErr error
	for attempt := 0; attempt < cfg.DialAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		lastErr = rdb.Ping(cctx).Err()
		cancel()
		if lastErr == nil {
			return NewRedis(rdb, WithOpTimeout(cfg.OpTimeout)), nil
		}
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
		}
		if backoff < maxDialBackoff {
			backoff *= 2
			if backoff > maxDialBackoff {
				backoff = maxDialBackoff
			}
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("%w: dial %s: %v", coorderrors.ErrUnavailable, cfg.Addr, lastErr)
}

// Raw exposes the underlying Redis client for components that need direct
// access, such as the pub/sub bus.
func (c *RedisClient) Raw() *redis.Client {
	return c.rdb
}

// wrapErr maps driver-level failures onto the shared sentinels. Context
// cancellation by the caller passes through untouched.
func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return coorderrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return coorderrors.ErrConnectionClosed
	case stdErrors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", coorderrors.ErrUnavailable, err)
}

func (c *RedisClient) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Get implements Client.Get.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	data, err := c.rdb.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	return data, true, nil
}

// Set implements Client.Set.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	return wrapErr(c.rdb.Set(cctx, key, value, ttl).Err())
}

// SetNX implements Client.SetNX.
func (c *RedisClient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

// Del implements Client.Del.
func (c *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.rdb.Del(cctx, keys...).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// DelBatch implements Client.DelBatch. Keys are chunked inside one
// transactional pipeline so readers observe the whole batch disappearing at
// once.
func (c *RedisClient) DelBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	pipe := c.rdb.TxPipeline()
	for start := 0; start < len(keys); start += delBatchChunk {
		end := start + delBatchChunk
		if end > len(keys) {
			end = len(keys)
		}
		pipe.Del(cctx, keys[start:end]...)
	}
	_, err := pipe.Exec(cctx)
	return wrapErr(err)
}

// Incr implements Client.Incr.
func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	n, err := c.rdb.Incr(cctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// IncrWithTTL implements Client.IncrWithTTL using a transactional pipeline,
// keeping the counter bump and the TTL probe in a single round trip.
func (c *RedisClient) IncrWithTTL(ctx context.Context, key string) (int64, time.Duration, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(cctx, key)
	pttl := pipe.PTTL(cctx, key)
	if _, err := pipe.Exec(cctx); err != nil {
		return 0, 0, wrapErr(err)
	}
	return incr.Val(), pttl.Val(), nil
}

// PTTL implements Client.PTTL.
func (c *RedisClient) PTTL(ctx context.Context, key string) (time.Duration, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	d, err := c.rdb.PTTL(cctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return d, nil
}

// PExpire implements Client.PExpire.
func (c *RedisClient) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	ok, err := c.rdb.PExpire(cctx, key, ttl).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

// Eval implements Client.Eval. Compiled scripts are cached by source text so
// subsequent calls run EVALSHA.
func (c *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	c.mu.Lock()
	s, ok := c.scripts[script]
	if !ok {
		s = redis.NewScript(script)
		c.scripts[script] = s
	}
	c.mu.Unlock()

	cctx, cancel := c.opContext(ctx)
	defer cancel()
	res, err := s.Run(cctx, c.rdb, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapErr(err)
	}
	return res, nil
}

// ScanPrefix implements Client.ScanPrefix using cursor-based SCAN.
func (c *RedisClient) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.rdb.Scan(cctx, cursor, prefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// SAdd implements Client.SAdd.
func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(c.rdb.SAdd(cctx, key, args...).Err())
}

// SMembers implements Client.SMembers.
func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	members, err := c.rdb.SMembers(cctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return members, nil
}

// SRem implements Client.SRem.
func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(c.rdb.SRem(cctx, key, args...).Err())
}

// Ping implements Client.Ping.
func (c *RedisClient) Ping(ctx context.Context) error {
	cctx, cancel := c.opContext(ctx)
	defer cancel()
	return wrapErr(c.rdb.Ping(cctx).Err())
}

// Close implements Client.Close.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
