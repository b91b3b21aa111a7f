package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"
)

// Commit is a single repository commit
type Commit struct {
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
	AuthorLogin string
	CommittedAt time.Time
	URL         string
}

// PullRequest is a repository pull request snapshot
type PullRequest struct {
	Number    int
	Title     string
	State     string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
	MergedAt  *time.Time
	URL       string
}

// Issue is an issue-tracker issue snapshot
type Issue struct {
	Key       string
	Summary   string
	Status    string
	IssueType string
	Assignee  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sync state kinds
const (
	SyncKindRepository     = "repository"
	SyncKindTrackerProject = "tracker_project"
)

// ActivityStore persists activity pulled from external services
type ActivityStore struct {
	pool PgxIface
}

// NewActivityStore creates an activity store over the given pool
func NewActivityStore(pool PgxIface) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// LatestCommitTime returns the newest stored commit time for a repository,
// zero time when nothing was synchronized yet
func (s *ActivityStore) LatestCommitTime(ctx context.Context, repoID int64) (time.Time, error) {
	var latest pgtype.Timestamptz
	query := `SELECT MAX(committed_at) FROM commits WHERE repository_id = $1`
	if err := s.pool.QueryRow(ctx, query, repoID).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest commit time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil // No commits yet
	}
	return latest.Time, nil
}

// UpsertCommits stores commits of a repository in a single transaction
func (s *ActivityStore) UpsertCommits(ctx context.Context, repoID int64, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	query := `INSERT INTO commits (repository_id, sha, message, author_name, author_email, author_login, committed_at, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (repository_id, sha) DO UPDATE SET
		message = EXCLUDED.message, author_login = EXCLUDED.author_login, url = EXCLUDED.url`

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, c := range commits {
			if _, err := tx.Exec(ctx, query, repoID, c.SHA, c.Message, c.AuthorName,
				c.AuthorEmail, c.AuthorLogin, c.CommittedAt, c.URL); err != nil {
				return fmt.Errorf("failed to upsert commit %s: %w", c.SHA, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"repository_id": repoID,
		"count":         len(commits),
	}).Debug("Stored commits")
	return nil
}

// UpsertPullRequests stores pull requests of a repository in a single transaction
func (s *ActivityStore) UpsertPullRequests(ctx context.Context, repoID int64, prs []PullRequest) error {
	if len(prs) == 0 {
		return nil
	}
	query := `INSERT INTO pull_requests (repository_id, number, title, state, author, created_at, updated_at, merged_at, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (repository_id, number) DO UPDATE SET
		title = EXCLUDED.title, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at,
		merged_at = EXCLUDED.merged_at, url = EXCLUDED.url`

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, pr := range prs {
			if _, err := tx.Exec(ctx, query, repoID, pr.Number, pr.Title, pr.State, pr.Author,
				pr.CreatedAt, pr.UpdatedAt, pr.MergedAt, pr.URL); err != nil {
				return fmt.Errorf("failed to upsert pull request #%d: %w", pr.Number, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"repository_id": repoID,
		"count":         len(prs),
	}).Debug("Stored pull requests")
	return nil
}

// UpsertIssues stores issues of an issue-tracker project in a single transaction
func (s *ActivityStore) UpsertIssues(ctx context.Context, trackerProjectID int64, issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	query := `INSERT INTO issues (tracker_project_id, key, summary, status, issue_type, assignee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tracker_project_id, key) DO UPDATE SET
		summary = EXCLUDED.summary, status = EXCLUDED.status, issue_type = EXCLUDED.issue_type,
		assignee = EXCLUDED.assignee, updated_at = EXCLUDED.updated_at`

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, is := range issues {
			if _, err := tx.Exec(ctx, query, trackerProjectID, is.Key, is.Summary, is.Status,
				is.IssueType, is.Assignee, is.CreatedAt, is.UpdatedAt); err != nil {
				return fmt.Errorf("failed to upsert issue %s: %w", is.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"tracker_project_id": trackerProjectID,
		"count":              len(issues),
	}).Debug("Stored issues")
	return nil
}

// MarkSynced records the time of the last successful sync of a repository or tracker project
func (s *ActivityStore) MarkSynced(ctx context.Context, kind string, id int64) error {
	query := `INSERT INTO sync_state (kind, ref_id, last_synced_at) VALUES ($1, $2, now())
		ON CONFLICT (kind, ref_id) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at`
	if _, err := s.pool.Exec(ctx, query, kind, id); err != nil {
		return fmt.Errorf("failed to mark %s %d synced: %w", kind, id, err)
	}
	return nil
}

func (s *ActivityStore) inTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
