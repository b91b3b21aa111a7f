// Package lock provides token-guarded distributed locks with expiry. A lock is
// taken with Acquire(key, token, ttl) and can only be released or extended by a
// caller presenting the same token; records that are never released expire
// after their TTL so a crashed holder cannot block others forever.
//
// Backends are available for etcd, Redis and PostgreSQL, plus an in-process
// implementation for tests and single-instance development runs. Manager
// wraps any backend with the worker's failure semantics: store errors mean
// "not acquired" and failed releases are only logged.
package lock
