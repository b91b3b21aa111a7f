package lock

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	token     string
	expiresAt time.Time
}

// InMemory implements Locker in process memory. It coordinates goroutines of
// one process only.
type InMemory struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewInMemory returns an empty in-memory locker
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]memoryRecord), now: time.Now}
}

// Acquire implements Locker
func (l *InMemory) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if rec, ok := l.records[key]; ok && now.Before(rec.expiresAt) {
		return false, nil
	}
	l.records[key] = memoryRecord{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Locker
func (l *InMemory) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok || rec.token != token {
		return false, nil
	}
	delete(l.records, key)
	return true, nil
}

// Extend implements Locker
func (l *InMemory) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok || rec.token != token || !now.Before(rec.expiresAt) {
		return false, nil
	}
	rec.expiresAt = now.Add(ttl)
	l.records[key] = rec
	return true, nil
}

// Holder returns the token currently holding key, empty if none
func (l *InMemory) Holder(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok || !l.now().Before(rec.expiresAt) {
		return ""
	}
	return rec.token
}
