// Package kv wraps the Redis-backed KV/queue/pub-sub store that
// coordinates provider queues, throttle state, worker/node presence,
// distributed locks, and progress fan-out (spec.md §§4.1-4.2, §6).
package kv

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned by callers that want to detect a KV
// outage and fall back to in-process state (spec.md §4.2, §5).
var ErrUnavailable = errors.New("kv store unavailable")

// Client wraps a go-redis client. Only Ping retries a failed call (up
// to 3 attempts with exponential backoff); every other method makes a
// single attempt and returns its error to the caller.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Config configures a new Client.
type Config struct {
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

// New creates a Client bound to a single long-lived connection pool.
// Per spec.md §5, blocking operations (brpop, pub/sub) must use their
// own dedicated pools so they don't starve short ops; callers needing
// that isolation should construct additional Clients with NewBlocking
// or NewPubSub.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb, logger: logger}
}

// NewBlocking creates a Client dedicated to blocking pop operations,
// with a socket read timeout generous enough for the longest blocking
// pop call (spec.md §5: "blocking pop socket 300s").
func NewBlocking(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  300 * time.Second,
		PoolSize:     4,
	})
	return &Client{rdb: rdb, logger: logger}
}

// NewPubSub creates a Client dedicated to long-lived pub/sub
// subscriptions (spec.md §5: "pub/sub socket 60s").
func NewPubSub(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		ReadTimeout: 60 * time.Second,
		PoolSize:    2,
	})
	return &Client{rdb: rdb, logger: logger}
}

// Raw exposes the underlying redis.Client for packages (queue, lock,
// throttle) that need operations this wrapper doesn't surface
// directly (pipelines, scripts).
func (c *Client) Raw() *redis.Client { return c.rdb }

// Ping checks connectivity, retrying up to 3 times with exponential
// backoff as specified in spec.md §5.
func (c *Client) Ping(ctx context.Context) error {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err = c.rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		c.logger.Warn("kv ping failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return errors.Join(ErrUnavailable, err)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// --- Strings with TTL ---

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		c.rdb.Expire(ctx, key, ttl)
	}
	return n, nil
}

// --- Hashes ---

func (c *Client) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return c.rdb.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// --- Lists ---

func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	return c.rdb.RPush(ctx, key, values).Err()
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// BRPop blocks up to timeout waiting for an element at the tail of
// key. Returns ("", false, nil) on timeout with no element available.
func (c *Client) BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// res is [key, value]
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// --- Sets ---

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	return c.rdb.SAdd(ctx, key, members).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.rdb.Keys(ctx, pattern).Result()
}

// --- Pub/Sub ---

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// Eval runs a Lua script as one indivisible unit, the mechanism used
// throughout this package for atomic scripted operations (spec.md §5,
// §4.2).
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}
