package ratelimit

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// incrWindow bumps the counter and starts its expiry on the first hit of a window.
var incrWindow = backend.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisConfig controls the shared fixed-window limiter.
type RedisConfig struct {
	// Limit is the number of requests allowed per window.
	Limit  int
	Window time.Duration
	Prefix string
}

// Redis is a fixed-window counter shared by every replica that talks to the same server.
type Redis struct {
	client backend.Scripter
	limit  int64
	window time.Duration
	prefix string
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client backend.Scripter, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	return &Redis{
		client: client,
		limit:  int64(cfg.Limit),
		window: cfg.Window,
		prefix: cfg.Prefix,
	}, nil
}

// Allow increments the caller's counter for the current window.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	n, err := incrWindow.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return n <= r.limit, nil
}
