package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/syncworker/internal/metrics"
)

// RunCycle performs a single cycle: acquire the lock, sync every active
// integration, release the lock. A cycle that cannot take the lock is skipped
// and reports no error. Once acquired the lock is released on every exit path,
// panics included, even when ctx is already cancelled.
func (s *Service) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
		if err != nil {
			metrics.CyclesTotal.WithLabelValues(metrics.CycleError).Inc()
		}
	}()

	token := uuid.NewString()
	log := logrus.WithField("lock_key", s.cfg.LockKey)

	if !s.lock.Acquire(ctx, s.cfg.LockKey, token, s.cfg.LockTTL) {
		metrics.CyclesTotal.WithLabelValues(metrics.CycleSkipped).Inc()
		log.Info("Cycle skipped, already syncing elsewhere")
		return nil
	}
	defer s.release(ctx, token)

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.RenewLock {
		stop := s.renew(cycleCtx, cancel, token)
		defer stop()
	}

	log.Info("Lock acquired, starting sync cycle")
	integrations, err := s.source.ListActiveIntegrations(cycleCtx)
	if err != nil {
		return fmt.Errorf("failed to load active integrations: %w", err)
	}

	outcome := s.runner.RunCycle(cycleCtx, integrations)
	metrics.ObserveCycle(outcome.Elapsed, outcome.Succeeded, outcome.Failed)

	entry := log.WithFields(logrus.Fields{
		"integrations": len(integrations),
		"attempted":    outcome.Attempted,
		"succeeded":    outcome.Succeeded,
		"failed":       outcome.Failed,
		"elapsed":      outcome.Elapsed.Round(time.Millisecond),
	})
	switch {
	case outcome.Aborted && ctx.Err() == nil:
		entry.Warn("Sync cycle aborted after losing the lock")
	case outcome.Aborted:
		entry.Info("Sync cycle interrupted by shutdown")
	default:
		entry.Info("Sync cycle completed")
	}
	return nil
}

// release runs detached from ctx so that shutdown still frees the lock
func (s *Service) release(ctx context.Context, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	s.lock.Release(releaseCtx, s.cfg.LockKey, token)
}

// renew extends the lock every TTL/3 while the cycle runs. When ownership
// cannot be confirmed it calls lost, which aborts the batch. The returned func
// stops renewal and waits for it to finish.
func (s *Service) renew(ctx context.Context, lost context.CancelFunc, token string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		every := s.cfg.LockTTL / 3
		if every <= 0 {
			every = s.cfg.LockTTL
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.lock.Extend(ctx, s.cfg.LockKey, token, s.cfg.LockTTL) {
					metrics.LockRenewals.WithLabelValues("extended").Inc()
					continue
				}
				if ctx.Err() != nil {
					return
				}
				metrics.LockRenewals.WithLabelValues("lost").Inc()
				logrus.WithField("lock_key", s.cfg.LockKey).Error("Lost lock ownership, aborting sync cycle")
				lost()
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
