package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/syncworker/internal/db"
)

const (
	pgAcquireSQL = `INSERT INTO sync_locks (key, token, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (key) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at <= now()`
	pgReleaseSQL = `DELETE FROM sync_locks WHERE key = $1 AND token = $2`
	pgExtendSQL  = `UPDATE sync_locks SET expires_at = now() + $3::interval
		WHERE key = $1 AND token = $2 AND expires_at > now()`
)

// Postgres implements Locker on the sync_locks table. Each operation is a
// single statement, so the row lock taken by PostgreSQL makes it atomic.
type Postgres struct {
	pool db.PgxIface
}

// NewPostgres returns a PostgreSQL locker
func NewPostgres(pool db.PgxIface) *Postgres {
	return &Postgres{pool: pool}
}

// Acquire implements Locker
func (p *Postgres) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, pgAcquireSQL, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements Locker
func (p *Postgres) Release(ctx context.Context, key, token string) (bool, error) {
	tag, err := p.pool.Exec(ctx, pgReleaseSQL, key, token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Extend implements Locker
func (p *Postgres) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, pgExtendSQL, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
