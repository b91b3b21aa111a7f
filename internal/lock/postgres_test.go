package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAcquire(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := NewPostgres(mock)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO sync_locks").
		WithArgs(testKey, "t1", 20*time.Minute).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := l.Acquire(ctx, testKey, "t1", 20*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// a live record makes the conditional upsert touch no rows
	mock.ExpectExec("INSERT INTO sync_locks").
		WithArgs(testKey, "t2", 20*time.Minute).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = l.Acquire(ctx, testKey, "t2", 20*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRelease(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := NewPostgres(mock)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM sync_locks").
		WithArgs(testKey, "t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	released, err := l.Release(ctx, testKey, "t1")
	require.NoError(t, err)
	assert.False(t, released)

	mock.ExpectExec("DELETE FROM sync_locks").
		WithArgs(testKey, "t2").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	released, err = l.Release(ctx, testKey, "t2")
	require.NoError(t, err)
	assert.True(t, released)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExtend(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE sync_locks").
		WithArgs(testKey, "t1", time.Minute).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := NewPostgres(mock).Extend(context.Background(), testKey, "t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO sync_locks").WillReturnError(errors.New("connection reset"))

	l := NewPostgres(mock)
	_, err = l.Acquire(context.Background(), testKey, "t1", time.Minute)
	require.Error(t, err)

	_, err = l.Acquire(context.Background(), testKey, "t1", -time.Second)
	require.ErrorIs(t, err, ErrInvalidTTL)

	require.NoError(t, mock.ExpectationsWereMet())
}
