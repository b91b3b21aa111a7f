// Package jira synchronizes issues of Jira projects into the activity store.
//
// Issues are fetched through the JQL search endpoint, page by page, and
// upserted keyed by issue key. Each tracker project may live on its own
// Jira site; the client falls back to a configured default site.
package jira
