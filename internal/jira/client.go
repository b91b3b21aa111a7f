package jira

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/cybertec-postgresql/syncworker/internal/db"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 30 * time.Second

	// PageSize is the maxResults value sent with every search request
	PageSize = 100

	// DefaultRate is the proactive throttle in requests per second
	DefaultRate = 5

	// MaxResponseSize caps a single search page (10MB)
	MaxResponseSize = 10 * 1024 * 1024

	// TimeLayout is the timestamp format of Jira REST v2 fields
	TimeLayout = "2006-01-02T15:04:05.000-0700"

	searchPath = "/rest/api/2/search"
	fields     = "summary,status,issuetype,assignee,created,updated"
)

// Store is the part of the activity store used by the client
type Store interface {
	UpsertIssues(ctx context.Context, trackerProjectID int64, issues []db.Issue) error
	MarkSynced(ctx context.Context, kind string, id int64) error
}

// Config configures the Jira client
type Config struct {
	User              string
	Token             string
	DefaultSite       string
	RequestsPerSecond float64 // 0 = DefaultRate
}

// Client talks to Jira over REST v2 and persists issues
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	store   Store
}

// NewClient creates a Jira client
func NewClient(cfg Config, store Store) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRate
	}
	return &Client{
		http:    &http.Client{Timeout: DefaultTimeout},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		store:   store,
	}
}

// SyncIssues fetches every issue of the project and stores them. An empty
// siteURL selects the configured default site.
func (c *Client) SyncIssues(ctx context.Context, trackerProjectID int64, key, siteURL string) error {
	site := strings.TrimRight(siteURL, "/")
	if site == "" {
		site = strings.TrimRight(c.cfg.DefaultSite, "/")
	}
	if site == "" {
		return ErrNoSite
	}

	var issues []db.Issue
	for startAt := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := c.search(ctx, site, key, startAt)
		if err != nil {
			return err
		}

		page := gjson.GetBytes(body, "issues")
		for _, raw := range page.Array() {
			issue, err := parseIssue(raw)
			if err != nil {
				return err
			}
			issues = append(issues, issue)
		}

		n := len(page.Array())
		startAt += n
		if n == 0 || startAt >= int(gjson.GetBytes(body, "total").Int()) {
			break
		}
	}

	if err := c.store.UpsertIssues(ctx, trackerProjectID, issues); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"tracker": key,
		"site":    site,
		"count":   len(issues),
	}).Info("Synced issues")

	return c.store.MarkSynced(ctx, db.SyncKindTrackerProject, trackerProjectID)
}

func (c *Client) search(ctx context.Context, site, key string, startAt int) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	q := url.Values{}
	q.Set("jql", fmt.Sprintf("project = %q ORDER BY updated DESC", key))
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(PageSize))
	q.Set("fields", fields)
	endpoint := site + searchPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.User != "" || c.cfg.Token != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if gjson.ValidBytes(body) {
			if m := gjson.GetBytes(body, "errorMessages.0"); m.Exists() {
				msg = m.String()
			}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, URL: endpoint, Message: msg}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("jira: invalid JSON response from %s", endpoint)
	}
	return body, nil
}

func parseIssue(raw gjson.Result) (db.Issue, error) {
	f := raw.Get("fields")
	issue := db.Issue{
		Key:       raw.Get("key").String(),
		Summary:   f.Get("summary").String(),
		Status:    f.Get("status.name").String(),
		IssueType: f.Get("issuetype.name").String(),
		Assignee:  f.Get("assignee.displayName").String(),
	}

	var err error
	if issue.CreatedAt, err = parseTime(f.Get("created").String()); err != nil {
		return db.Issue{}, fmt.Errorf("issue %s: %w", issue.Key, err)
	}
	if issue.UpdatedAt, err = parseTime(f.Get("updated").String()); err != nil {
		return db.Issue{}, fmt.Errorf("issue %s: %w", issue.Key, err)
	}
	return issue, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
