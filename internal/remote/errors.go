package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the remote system.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote API error %d on %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("remote API error %d on %s", e.StatusCode, e.Endpoint)
}

// Retryable reports whether the failure is transient: request timeout,
// rate limiting, or a server-side error. Everything else (other 4xx,
// malformed responses) is permanent and must surface immediately.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 API error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// isRetryable classifies any error from a page request. API errors delegate
// to their status code; all other errors are connection-level failures and
// are retried.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
