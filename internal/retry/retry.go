// Package retry provides common retry logic with exponential backoff for syncworker.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL connection bring-up
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// RedisDefaults returns defaults for Redis connection bring-up
func RedisDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      15 * time.Second,
		JitterPercent: 10,
	}
}

// SyncDefaults returns defaults for a single call against an external
// source-control or issue-tracker API. Kept short: the next cycle retries anyway.
func SyncDefaults() *Config {
	return &Config{
		MaxAttempts:   2,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		JitterPercent: 20,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return WithClassifier(ctx, config, operation, operationName, nil)
}

// WithClassifier is like WithOperation but lets the caller mark errors as permanent.
// A nil isPermanent retries every error.
func WithClassifier(ctx context.Context, config *Config, operation func() error, operationName string, isPermanent func(error) bool) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || (isPermanent != nil && isPermanent(err)) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}
