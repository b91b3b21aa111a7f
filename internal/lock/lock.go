package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidTTL is returned for non-positive lock TTLs
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

// Locker is implemented by every lock backend. All three operations must be
// atomic on the store side.
type Locker interface {
	// Acquire sets key=token with the given expiry only if key is absent or
	// expired. It reports whether this call established ownership.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only if it still holds token and reports whether it did.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend refreshes the expiry of key only if it still holds token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Backend names accepted by the command line
const (
	BackendEtcd     = "etcd"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Manager applies the worker's failure semantics on top of a Locker
type Manager struct {
	locker  Locker
	backend string
}

// NewManager creates a manager for the given backend
func NewManager(locker Locker, backend string) *Manager {
	return &Manager{locker: locker, backend: backend}
}

// Acquire never blocks or retries. Contention and store failures both return
// false; only the latter is logged as an error.
func (m *Manager) Acquire(ctx context.Context, key, token string, ttl time.Duration) bool {
	ok, err := m.locker.Acquire(ctx, key, token, ttl)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"key":     key,
			"backend": m.backend,
		}).Error("Failed to acquire lock, treating as not acquired")
		return false
	}
	return ok
}

// Release is best effort: the TTL reclaims the key if this fails
func (m *Manager) Release(ctx context.Context, key, token string) {
	released, err := m.locker.Release(ctx, key, token)
	fields := logrus.Fields{"key": key, "backend": m.backend}
	switch {
	case err != nil:
		logrus.WithError(err).WithFields(fields).Warn("Failed to release lock, it will expire after its TTL")
	case !released:
		logrus.WithFields(fields).Warn("Lock was no longer held by this owner at release")
	default:
		logrus.WithFields(fields).Debug("Lock released")
	}
}

// Extend reports whether the caller still owns the lock after refreshing its TTL
func (m *Manager) Extend(ctx context.Context, key, token string, ttl time.Duration) bool {
	ok, err := m.locker.Extend(ctx, key, token, ttl)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"key":     key,
			"backend": m.backend,
		}).Warn("Failed to extend lock")
		return false
	}
	return ok
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return nil
}
