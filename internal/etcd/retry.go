package etcd

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/syncworker/internal/retry"
)

// NewEtcdClientWithRetry creates a new etcd client with retry logic
func NewEtcdClientWithRetry(ctx context.Context, dsn string) (*EtcdClient, error) {
	config := retry.EtcdDefaults()

	var client *EtcdClient
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		client, attemptErr = NewEtcdClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		if testErr := client.Ping(ctx); testErr != nil {
			_ = client.Close()
			return testErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}
