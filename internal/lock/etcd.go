package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const leaseRevokeTimeout = 5 * time.Second

// Etcd implements Locker with a lease per acquisition. The key is created in
// a transaction guarded by CreateRevision == 0, so it only succeeds when no
// live record exists; when the lease expires etcd deletes the key itself.
type Etcd struct {
	client *clientv3.Client
	keyFn  func(string) string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by key + token
}

// NewEtcd returns an etcd locker. keyFn maps lock keys to etcd keys and may be nil.
func NewEtcd(client *clientv3.Client, keyFn func(string) string) *Etcd {
	if keyFn == nil {
		keyFn = func(k string) string { return k }
	}
	return &Etcd{client: client, keyFn: keyFn, leases: make(map[string]clientv3.LeaseID)}
}

// Acquire implements Locker
func (e *Etcd) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	lease, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease for %s: %w", key, err)
	}

	k := e.keyFn(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		e.revoke(ctx, lease.ID)
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !resp.Succeeded {
		e.revoke(ctx, lease.ID)
		return false, nil
	}

	e.mu.Lock()
	e.leases[key+"\x00"+token] = lease.ID
	e.mu.Unlock()
	return true, nil
}

// Release implements Locker
func (e *Etcd) Release(ctx context.Context, key, token string) (bool, error) {
	k := e.keyFn(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", token)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	e.mu.Lock()
	id, ok := e.leases[key+"\x00"+token]
	delete(e.leases, key+"\x00"+token)
	e.mu.Unlock()
	if ok {
		e.revoke(ctx, id)
	}
	return resp.Succeeded, nil
}

// Extend implements Locker. etcd leases keep their granted TTL, so a refresh
// restores the TTL used at acquisition and ttl only needs to be valid.
func (e *Etcd) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	resp, err := e.client.Get(ctx, e.keyFn(key))
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != token || resp.Kvs[0].Lease == 0 {
		return false, nil
	}

	if _, err := e.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease)); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	return true, nil
}

func (e *Etcd) revoke(ctx context.Context, id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseRevokeTimeout)
	defer cancel()
	if _, err := e.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		logrus.WithError(err).WithField("lease", int64(id)).Debug("Failed to revoke lease")
	}
}

// leaseSeconds rounds ttl up to whole seconds, etcd's lease granularity
func leaseSeconds(ttl time.Duration) int64 {
	return int64(math.Ceil(ttl.Seconds()))
}
