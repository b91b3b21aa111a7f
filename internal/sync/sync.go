package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/syncworker/internal/db"
)

// ErrAlreadyStarted is returned by Start on a service that was started before
var ErrAlreadyStarted = errors.New("sync service already started")

// releaseTimeout bounds the lock release issued after cancellation
const releaseTimeout = 10 * time.Second

// Lock is the distributed lock as seen by the scheduler, see lock.Manager
type Lock interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) bool
	Release(ctx context.Context, key, token string)
	Extend(ctx context.Context, key, token string, ttl time.Duration) bool
}

// IntegrationSource lists the integrations a cycle works on
type IntegrationSource interface {
	ListActiveIntegrations(ctx context.Context) ([]db.Integration, error)
}

// Runner processes one batch of integrations, implemented by Orchestrator
type Runner interface {
	RunCycle(ctx context.Context, integrations []db.Integration) CycleOutcome
}

// State is the lifecycle state of a Service
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Service runs sync cycles periodically, one at a time, under the distributed lock
type Service struct {
	cfg    Config
	lock   Lock
	source IntegrationSource
	runner Runner
	state  atomic.Int32
}

// NewService creates a scheduler. Nothing runs until Start is called.
func NewService(cfg Config, lock Lock, source IntegrationSource, runner Runner) *Service {
	return &Service{
		cfg:    cfg,
		lock:   lock,
		source: source,
		runner: runner,
	}
}

// State returns the current lifecycle state
func (s *Service) State() State {
	return State(s.state.Load())
}

// Start runs one cycle immediately and then one per interval until ctx is
// cancelled. Cycle failures are logged and never stop the loop. It returns
// ctx.Err().
func (s *Service) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer s.state.Store(int32(StateStopped))

	logrus.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"lock_key": s.cfg.LockKey,
		"lock_ttl": s.cfg.LockTTL,
		"renew":    s.cfg.RenewLock,
		"workers":  s.cfg.Workers,
	}).Info("Starting sync scheduler")

	s.runScheduled(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Sync scheduler stopped due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Service) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Error("Sync cycle failed")
	}
}
