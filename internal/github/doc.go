// Package github implements the repository sync client: it pulls commits and
// pull requests of a repository through the GitHub REST API and stores them
// in the activity store. All requests of one Client share a rate limiter so
// that the worker stays inside the API quota of its token.
package github
