package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/cybertec-postgresql/syncworker/internal/db"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// PerPage is the page size used for list endpoints.
	PerPage = 100
)

// Store is the part of the activity store used by the client
type Store interface {
	LatestCommitTime(ctx context.Context, repoID int64) (time.Time, error)
	UpsertCommits(ctx context.Context, repoID int64, commits []db.Commit) error
	UpsertPullRequests(ctx context.Context, repoID int64, prs []db.PullRequest) error
	MarkSynced(ctx context.Context, kind string, id int64) error
}

// Config configures the GitHub client
type Config struct {
	Token             string
	BaseURL           string  // GitHub Enterprise URL, empty for github.com
	RequestsPerSecond float64 // proactive throttle, 0 = ProactiveRate
}

// Client wraps the go-github client with rate limiting and persistence.
type Client struct {
	gh          *gh.Client
	rateLimiter *RateLimiter
	store       Store
}

// NewClient creates a GitHub API client
func NewClient(ctx context.Context, cfg Config, store Store) (*Client, error) {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = DefaultTimeout

	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		if client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
	}

	return &Client{
		gh:          client,
		rateLimiter: NewRateLimiter(cfg.RequestsPerSecond),
		store:       store,
	}, nil
}

// SyncCommits fetches commits newer than the newest stored one and stores them
func (c *Client) SyncCommits(ctx context.Context, repoID int64, owner, name string) error {
	since, err := c.store.LatestCommitTime(ctx, repoID)
	if err != nil {
		return err
	}

	opts := &gh.CommitsListOptions{
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: PerPage},
	}

	var commits []db.Commit
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		page, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
		c.updateRateLimitFromResponse(resp)
		if err != nil {
			err = c.wrapError(err, "list commits")
			if isEmptyRepository(err) {
				logrus.WithField("repository", owner+"/"+name).Debug("Repository is empty")
				break
			}
			return err
		}

		for _, rc := range page {
			commits = append(commits, toCommit(rc))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if err := c.store.UpsertCommits(ctx, repoID, commits); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"repository": owner + "/" + name,
		"since":      since,
		"count":      len(commits),
	}).Info("Synced commits")

	return c.store.MarkSynced(ctx, db.SyncKindRepository, repoID)
}

// SyncPullRequests fetches all pull requests of a repository and stores them
func (c *Client) SyncPullRequests(ctx context.Context, repoID int64, owner, name string) error {
	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: PerPage},
	}

	var prs []db.PullRequest
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		page, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		c.updateRateLimitFromResponse(resp)
		if err != nil {
			return c.wrapError(err, "list pull requests")
		}

		for _, pr := range page {
			prs = append(prs, toPullRequest(pr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if err := c.store.UpsertPullRequests(ctx, repoID, prs); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"repository": owner + "/" + name,
		"count":      len(prs),
	}).Info("Synced pull requests")

	return c.store.MarkSynced(ctx, db.SyncKindRepository, repoID)
}

// RateLimiter returns the rate limiter for external access.
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

func toCommit(rc *gh.RepositoryCommit) db.Commit {
	author := rc.GetCommit().GetAuthor()
	return db.Commit{
		SHA:         rc.GetSHA(),
		Message:     rc.GetCommit().GetMessage(),
		AuthorName:  author.GetName(),
		AuthorEmail: author.GetEmail(),
		AuthorLogin: rc.GetAuthor().GetLogin(),
		CommittedAt: author.GetDate().Time,
		URL:         rc.GetHTMLURL(),
	}
}

func toPullRequest(pr *gh.PullRequest) db.PullRequest {
	out := db.PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		State:     pr.GetState(),
		Author:    pr.GetUser().GetLogin(),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
		URL:       pr.GetHTMLURL(),
	}
	if pr.MergedAt != nil {
		merged := pr.MergedAt.Time
		out.MergedAt = &merged
		out.State = "merged"
	}
	return out
}

// updateRateLimitFromResponse updates the rate limiter from GitHub response headers.
func (c *Client) updateRateLimitFromResponse(resp *gh.Response) {
	if resp == nil || resp.Response == nil {
		return
	}
	c.rateLimiter.UpdateFromResponse(resp.Response)
}

// wrapError converts go-github errors to our error types.
func (c *Client) wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *gh.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &RateLimitError{
			ResetAt:   rateLimitErr.Rate.Reset.Time,
			Remaining: rateLimitErr.Rate.Remaining,
			Limit:     rateLimitErr.Rate.Limit,
		}
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &RateLimitError{
			ResetAt:   time.Now().Add(abuseErr.GetRetryAfter()),
			Remaining: c.rateLimiter.Remaining(),
			Limit:     c.rateLimiter.Limit(),
		}
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		apiErr := &APIError{
			StatusCode: ghErr.Response.StatusCode,
			Message:    ghErr.Message,
		}
		if ghErr.Response.Request != nil {
			apiErr.URL = ghErr.Response.Request.URL.String()
		}
		return apiErr
	}

	return fmt.Errorf("%s: %w", operation, err)
}

func isEmptyRepository(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}
