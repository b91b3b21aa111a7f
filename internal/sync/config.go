// Package sync drives periodic activity synchronization under a distributed lock.
package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/syncworker/internal/retry"
)

// Defaults used by the command line
const (
	DefaultInterval = 30 * time.Minute
	DefaultLockTTL  = 20 * time.Minute
	DefaultLockKey  = "syncworker:lock"
)

// Config represents the scheduling configuration of one worker instance
type Config struct {
	Interval       time.Duration
	LockKey        string
	LockTTL        time.Duration
	RenewLock      bool
	Workers        int    // integrations processed concurrently, 1 = sequential
	DefaultSiteURL string // issue tracker site for projects without one
	Retry          *retry.Config
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		Interval:  DefaultInterval,
		LockKey:   DefaultLockKey,
		LockTTL:   DefaultLockTTL,
		RenewLock: true,
		Workers:   1,
		Retry:     retry.SyncDefaults(),
	}
}

// Validate checks the configuration for values the scheduler cannot work with
func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", c.Interval))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock TTL must be positive, got %s", c.LockTTL))
	} else if c.LockTTL >= c.Interval {
		errs = append(errs, fmt.Errorf("lock TTL (%s) must be shorter than the sync interval (%s)", c.LockTTL, c.Interval))
	}
	if c.LockKey == "" {
		errs = append(errs, errors.New("lock key must not be empty"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync workers must be at least 1, got %d", c.Workers))
	}
	return errors.Join(errs...)
}
