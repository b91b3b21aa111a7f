package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/syncworker/internal/db"
	"github.com/cybertec-postgresql/syncworker/internal/lock"
)

// recordingLock wraps a real in-memory lock and records every call
type recordingLock struct {
	*lock.Manager
	store *lock.InMemory

	mu       gosync.Mutex
	events   []string
	tokens   map[string]string
	extends  int
	lose     bool
	released chan struct{}
	relErr   error
}

func newRecordingLock() *recordingLock {
	store := lock.NewInMemory()
	return &recordingLock{
		Manager:  lock.NewManager(store, lock.BackendMemory),
		store:    store,
		tokens:   map[string]string{},
		released: make(chan struct{}, 16),
	}
}

func (l *recordingLock) Acquire(ctx context.Context, key, token string, ttl time.Duration) bool {
	ok := l.Manager.Acquire(ctx, key, token, ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "acquire")
	if ok {
		l.tokens["acquire"] = token
	}
	return ok
}

func (l *recordingLock) Release(ctx context.Context, key, token string) {
	l.Manager.Release(ctx, key, token)
	l.mu.Lock()
	l.events = append(l.events, "release")
	l.tokens["release"] = token
	l.relErr = ctx.Err()
	l.mu.Unlock()
	select {
	case l.released <- struct{}{}:
	default:
	}
}

func (l *recordingLock) Extend(ctx context.Context, key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	l.extends++
	lose := l.lose
	l.mu.Unlock()
	if lose {
		return false
	}
	return l.Manager.Extend(ctx, key, token, ttl)
}

func (l *recordingLock) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingLock) Token(op string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[op]
}

type fakeSource struct {
	integrations []db.Integration
	err          error
	calls        int
	mu           gosync.Mutex
}

func (s *fakeSource) ListActiveIntegrations(context.Context) ([]db.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.integrations, s.err
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type runnerFunc func(ctx context.Context, integrations []db.Integration) CycleOutcome

func (f runnerFunc) RunCycle(ctx context.Context, integrations []db.Integration) CycleOutcome {
	return f(ctx, integrations)
}

func serviceConfig() Config {
	cfg := testConfig()
	cfg.Interval = 50 * time.Millisecond
	cfg.LockTTL = 40 * time.Millisecond
	cfg.RenewLock = false
	return cfg
}

func TestCycleSkippedWhenLockHeld(t *testing.T) {
	lk := newRecordingLock()
	_, err := lk.store.Acquire(context.Background(), DefaultLockKey, "other-instance", time.Minute)
	require.NoError(t, err)

	source := &fakeSource{integrations: []db.Integration{repoIntegration(1, "a")}}
	syncer := newFakeSyncer()
	svc := NewService(serviceConfig(), lk, source, NewOrchestrator(syncer, syncer, testConfig()))

	require.NoError(t, svc.RunCycle(context.Background()))

	assert.Zero(t, source.Calls())
	assert.Empty(t, syncer.Calls())
	assert.Equal(t, []string{"acquire"}, lk.Events())
	assert.Equal(t, "other-instance", lk.store.Holder(DefaultLockKey))
}

func TestCycleReleasesAfterSuccess(t *testing.T) {
	lk := newRecordingLock()
	source := &fakeSource{integrations: []db.Integration{repoIntegration(1, "a"), trackerIntegration(2, "T", "")}}
	syncer := newFakeSyncer()
	svc := NewService(serviceConfig(), lk, source, NewOrchestrator(syncer, syncer, testConfig()))

	require.NoError(t, svc.RunCycle(context.Background()))

	assert.Equal(t, 1, source.Calls())
	assert.Len(t, syncer.Calls(), 3)
	assert.Equal(t, []string{"acquire", "release"}, lk.Events())
	assert.Empty(t, lk.store.Holder(DefaultLockKey))
	assert.Equal(t, lk.Token("acquire"), lk.Token("release"))
}

func TestCycleReleasesWhenRunnerPanics(t *testing.T) {
	lk := newRecordingLock()
	source := &fakeSource{}
	runner := runnerFunc(func(context.Context, []db.Integration) CycleOutcome {
		panic("orchestrator exploded")
	})
	svc := NewService(serviceConfig(), lk, source, runner)

	err := svc.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator exploded")

	assert.Equal(t, []string{"acquire", "release"}, lk.Events())
	assert.NotEmpty(t, lk.Token("acquire"))
	assert.Equal(t, lk.Token("acquire"), lk.Token("release"))
	assert.Empty(t, lk.store.Holder(DefaultLockKey))
}

func TestCycleReleasesWhenSourceFails(t *testing.T) {
	lk := newRecordingLock()
	source := &fakeSource{err: errors.New("connection refused")}
	svc := NewService(serviceConfig(), lk, source, runnerFunc(func(context.Context, []db.Integration) CycleOutcome {
		t.Fatal("runner must not be called")
		return CycleOutcome{}
	}))

	err := svc.RunCycle(context.Background())
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, []string{"acquire", "release"}, lk.Events())
	assert.Empty(t, lk.store.Holder(DefaultLockKey))
}

func TestCycleReleasesOnCancellation(t *testing.T) {
	lk := newRecordingLock()
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(serviceConfig(), lk, &fakeSource{}, runnerFunc(func(context.Context, []db.Integration) CycleOutcome {
		cancel()
		return CycleOutcome{Aborted: true}
	}))

	require.NoError(t, svc.RunCycle(ctx))
	assert.Equal(t, []string{"acquire", "release"}, lk.Events())
	assert.NoError(t, lk.relErr, "release must not see the cancelled context")
	assert.Empty(t, lk.store.Holder(DefaultLockKey))
}

func TestCycleUsesFreshTokens(t *testing.T) {
	lk := newRecordingLock()
	svc := NewService(serviceConfig(), lk, &fakeSource{}, NewOrchestrator(nil, nil, testConfig()))

	require.NoError(t, svc.RunCycle(context.Background()))
	first := lk.Token("acquire")
	require.NoError(t, svc.RunCycle(context.Background()))
	assert.NotEqual(t, first, lk.Token("acquire"))
}

func TestCycleRenewsLock(t *testing.T) {
	lk := newRecordingLock()
	cfg := serviceConfig()
	cfg.RenewLock = true
	cfg.LockTTL = 30 * time.Millisecond

	var heldThroughout bool
	svc := NewService(cfg, lk, &fakeSource{}, runnerFunc(func(ctx context.Context, _ []db.Integration) CycleOutcome {
		time.Sleep(100 * time.Millisecond)
		heldThroughout = lk.store.Holder(DefaultLockKey) == lk.Token("acquire") && ctx.Err() == nil
		return CycleOutcome{}
	}))

	require.NoError(t, svc.RunCycle(context.Background()))
	assert.True(t, heldThroughout, "lock must outlive its TTL while renewed")
	lk.mu.Lock()
	assert.GreaterOrEqual(t, lk.extends, 2)
	lk.mu.Unlock()
	assert.Empty(t, lk.store.Holder(DefaultLockKey))
}

func TestCycleAbortsWhenLockLost(t *testing.T) {
	lk := newRecordingLock()
	lk.lose = true
	cfg := serviceConfig()
	cfg.RenewLock = true
	cfg.LockTTL = 30 * time.Millisecond

	var cancelled bool
	svc := NewService(cfg, lk, &fakeSource{}, runnerFunc(func(ctx context.Context, _ []db.Integration) CycleOutcome {
		select {
		case <-ctx.Done():
			cancelled = true
		case <-time.After(5 * time.Second):
		}
		return CycleOutcome{Aborted: cancelled}
	}))

	require.NoError(t, svc.RunCycle(context.Background()))
	assert.True(t, cancelled, "cycle context must be cancelled after losing the lock")
	assert.Equal(t, []string{"acquire", "release"}, lk.Events())
}

func TestStartRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	lk := newRecordingLock()
	source := &fakeSource{}
	cfg := serviceConfig()
	cfg.Interval = time.Hour
	cfg.LockTTL = time.Minute
	svc := NewService(cfg, lk, source, NewOrchestrator(nil, nil, testConfig()))
	assert.Equal(t, StateNotStarted, svc.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-lk.released:
	case <-time.After(5 * time.Second):
		t.Fatal("immediate cycle did not run")
	}
	assert.Equal(t, StateRunning, svc.State())
	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyStarted)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, source.Calls())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartSurvivesCycleErrors(t *testing.T) {
	lk := newRecordingLock()
	source := &fakeSource{err: errors.New("database is down")}
	svc := NewService(serviceConfig(), lk, source, NewOrchestrator(nil, nil, testConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	assert.Eventually(t, func() bool { return source.Calls() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCyclesNeverOverlap(t *testing.T) {
	lk := newRecordingLock()
	var mu gosync.Mutex
	running := false
	overlapped := false
	svc := NewService(serviceConfig(), lk, &fakeSource{}, runnerFunc(func(context.Context, []db.Integration) CycleOutcome {
		mu.Lock()
		if running {
			overlapped = true
		}
		running = true
		mu.Unlock()
		time.Sleep(70 * time.Millisecond) // longer than the interval
		mu.Lock()
		running = false
		mu.Unlock()
		return CycleOutcome{}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	for range 3 {
		select {
		case <-lk.released:
		case <-time.After(5 * time.Second):
			t.Fatal("cycle did not complete")
		}
	}
	cancel()
	<-done

	assert.False(t, overlapped)
	events := lk.Events()
	for i, e := range events {
		want := "acquire"
		if i%2 == 1 {
			want = "release"
		}
		require.Equal(t, want, e, "event %d of %v", i, events)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.LockTTL = cfg.Interval
	assert.ErrorContains(t, cfg.Validate(), "must be shorter")

	cfg = DefaultConfig()
	cfg.Interval = 0
	cfg.LockKey = ""
	cfg.Workers = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "interval must be positive")
	assert.ErrorContains(t, err, "lock key")
	assert.ErrorContains(t, err, "workers")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not started", StateNotStarted.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
