package jira

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoSite is returned when neither the tracker project nor the client configure a site
var ErrNoSite = errors.New("jira: no site configured")

// APIError represents a non-2xx Jira response.
type APIError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira: API error %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsPermanent reports errors that retrying within the same cycle cannot fix
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoSite) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
