package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts uint64) *Config {
	return &Config{
		MaxAttempts:   attempts,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		JitterPercent: 10,
	}
}

func TestPostgreSQLDefaults(t *testing.T) {
	config := PostgreSQLDefaults()
	assert.Equal(t, uint64(10), config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, config.BaseDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, uint64(10), config.JitterPercent)
}

func TestEtcdDefaults(t *testing.T) {
	config := EtcdDefaults()
	assert.Equal(t, uint64(15), config.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, config.BaseDelay)
	assert.Equal(t, 1*time.Minute, config.MaxDelay)
	assert.Equal(t, uint64(15), config.JitterPercent)
}

func TestSyncDefaults(t *testing.T) {
	config := SyncDefaults()
	assert.Equal(t, uint64(2), config.MaxAttempts)
	assert.LessOrEqual(t, config.MaxDelay, 10*time.Second)
}

func TestWithOperation_Success(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), fastConfig(3), func() error {
		callCount++
		return nil
	}, "test-operation")

	require.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestWithOperation_SucceedsAfterFailures(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient")
		}
		return nil
	}, "test-operation")

	require.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestWithOperation_ExceedsMaxAttempts(t *testing.T) {
	callCount := 0
	err := WithOperation(context.Background(), fastConfig(3), func() error {
		callCount++
		return errors.New("persistent failure")
	}, "test-operation")

	require.Error(t, err)
	// go-retry does MaxAttempts + 1 total attempts (initial + retries)
	assert.Equal(t, 4, callCount)
}

func TestWithClassifier_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("not found")
	callCount := 0
	err := WithClassifier(context.Background(), fastConfig(5), func() error {
		callCount++
		return permanent
	}, "test-operation", func(err error) bool { return errors.Is(err, permanent) })

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, callCount)
}

func TestWithOperation_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0
	err := WithOperation(ctx, fastConfig(5), func() error {
		callCount++
		cancel()
		return errors.New("boom")
	}, "test-operation")

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestCreateBackoff(t *testing.T) {
	config := &Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 20,
	}

	assert.NotNil(t, config.CreateBackoff())
}
