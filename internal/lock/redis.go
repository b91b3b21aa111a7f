package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/syncworker/internal/retry"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Locker using SET NX PX and Lua compare scripts
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a Redis locker using the provided client
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Acquire implements Locker
func (r *Redis) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Locker
func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend implements Locker
func (r *Redis) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis extend %s: %w", key, err)
	}
	return n == 1, nil
}

// NewRedisClientWithRetry parses a redis:// URL and waits until the server answers PING
func NewRedisClientWithRetry(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	err = retry.WithOperation(ctx, retry.RedisDefaults(), func() error {
		return client.Ping(ctx).Err()
	}, "redis connect")
	if err != nil {
		_ = client.Close()
		logrus.WithError(err).Error("Failed to establish Redis connection after all retries")
		return nil, err
	}

	logrus.WithField("addr", opts.Addr).Info("Connected to Redis successfully")
	return client, nil
}
