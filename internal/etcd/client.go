// Package etcd provides etcd connection management for the lock backend.
package etcd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPort is appended to endpoints given without one
const DefaultPort = "2379"

// EtcdClient wraps the etcd v3 client together with the key prefix from the DSN
type EtcdClient struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdClient creates a new etcd client with DSN parsing
func NewEtcdClient(dsn string) (*EtcdClient, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &EtcdClient{
		client: client,
		prefix: GetPrefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (c *EtcdClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Client returns the underlying etcd client for direct access
func (c *EtcdClient) Client() *clientv3.Client {
	return c.client
}

// Key prepends the DSN prefix to name
func (c *EtcdClient) Key(name string) string {
	if c.prefix == "/" {
		return name
	}
	return strings.TrimSuffix(c.prefix, "/") + "/" + strings.TrimPrefix(name, "/")
}

// Ping checks that the cluster answers a linearizable read
func (c *EtcdClient) Ping(ctx context.Context) error {
	if _, err := c.client.Get(ctx, "healthcheck"); err != nil {
		return fmt.Errorf("etcd health check failed: %w", err)
	}
	return nil
}

// parseEtcdDSN parses etcd DSN format: etcd://[user:password@]host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return nil, fmt.Errorf("etcd DSN is required")
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("etcd DSN has no endpoints")
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":" + DefaultPort
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	if u.User != nil {
		config.Username = u.User.Username()
		if password, ok := u.User.Password(); ok {
			config.Password = password
		}
	}

	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}

	if username := params.Get("username"); username != "" {
		config.Username = username
	}

	if password := params.Get("password"); password != "" {
		config.Password = password
	}

	switch params.Get("tls") {
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in via DSN
	}

	return config, nil
}

// GetPrefix extracts the prefix from the etcd DSN path
func GetPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/"
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "/"
	}

	if u.Path == "" {
		return "/"
	}

	return u.Path
}
