package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/syncworker/internal/db"
	"github.com/cybertec-postgresql/syncworker/internal/github"
	"github.com/cybertec-postgresql/syncworker/internal/jira"
	"github.com/cybertec-postgresql/syncworker/internal/retry"
)

var errNoClient = errors.New("no client configured")

// RepositorySyncer pulls source-control activity of one repository
type RepositorySyncer interface {
	SyncCommits(ctx context.Context, repoID int64, owner, name string) error
	SyncPullRequests(ctx context.Context, repoID int64, owner, name string) error
}

// IssueSyncer pulls issues of one issue-tracker project
type IssueSyncer interface {
	SyncIssues(ctx context.Context, trackerProjectID int64, key, siteURL string) error
}

// CycleOutcome summarizes one orchestrator run
type CycleOutcome struct {
	Attempted int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Aborted   bool // cancellation stopped the batch early
}

// Orchestrator runs the sync clients over a batch of integrations. A failing
// integration is logged and counted, it never stops the batch.
type Orchestrator struct {
	repos       RepositorySyncer
	issues      IssueSyncer
	defaultSite string
	workers     int
	retry       *retry.Config
}

// NewOrchestrator creates an orchestrator. Either syncer may be nil when the
// corresponding service is not configured; integrations needing it then fail.
func NewOrchestrator(repos RepositorySyncer, issues IssueSyncer, cfg Config) *Orchestrator {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	rc := cfg.Retry
	if rc == nil {
		rc = retry.SyncDefaults()
	}
	return &Orchestrator{
		repos:       repos,
		issues:      issues,
		defaultSite: cfg.DefaultSiteURL,
		workers:     workers,
		retry:       rc,
	}
}

// RunCycle processes integrations in order, at most o.workers at a time.
// Cancellation is checked before each integration.
func (o *Orchestrator) RunCycle(ctx context.Context, integrations []db.Integration) CycleOutcome {
	start := time.Now()
	var attempted, succeeded, failed atomic.Int64
	var aborted atomic.Bool

	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, in := range integrations {
		if ctx.Err() != nil {
			aborted.Store(true)
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				aborted.Store(true)
				return nil
			}
			attempted.Add(1)
			if err := o.syncIntegration(ctx, in); err != nil {
				failed.Add(1)
				integrationLogger(in).WithError(err).Error("Integration sync failed")
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return CycleOutcome{
		Attempted: int(attempted.Load()),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Elapsed:   time.Since(start),
		Aborted:   aborted.Load(),
	}
}

func (o *Orchestrator) syncIntegration(ctx context.Context, in db.Integration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if repo := in.Repository; repo != nil {
		if o.repos == nil {
			return fmt.Errorf("repository %s: %w", repo.FullName(), errNoClient)
		}
		if err := o.call(ctx, "sync commits", func() error {
			return o.repos.SyncCommits(ctx, repo.ID, repo.Owner, repo.Name)
		}); err != nil {
			return fmt.Errorf("repository %s: %w", repo.FullName(), err)
		}
		if err := o.call(ctx, "sync pull requests", func() error {
			return o.repos.SyncPullRequests(ctx, repo.ID, repo.Owner, repo.Name)
		}); err != nil {
			return fmt.Errorf("repository %s: %w", repo.FullName(), err)
		}
	}

	if tp := in.TrackerProject; tp != nil {
		if o.issues == nil {
			return fmt.Errorf("tracker project %s: %w", tp.Key, errNoClient)
		}
		site := tp.SiteURL
		if site == "" {
			site = o.defaultSite
		}
		if err := o.call(ctx, "sync issues", func() error {
			return o.issues.SyncIssues(ctx, tp.ID, tp.Key, site)
		}); err != nil {
			return fmt.Errorf("tracker project %s: %w", tp.Key, err)
		}
	}
	return nil
}

func (o *Orchestrator) call(ctx context.Context, name string, op func() error) error {
	return retry.WithClassifier(ctx, o.retry, op, name, isPermanent)
}

func isPermanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		github.IsPermanent(err) ||
		jira.IsPermanent(err)
}

func integrationLogger(in db.Integration) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"integration_id": in.ID,
		"project_id":     in.ProjectID,
		"project":        in.ProjectName,
	})
}
