package reddit

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason classifies why a thread could not be resolved.
type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonForbidden       Reason = "forbidden"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonMalformed       Reason = "malformed"
	ReasonUpstream        Reason = "upstream"
)

// ErrNotConfigured is returned when no app credentials are available.
var ErrNotConfigured = errors.New("reddit credentials not configured")

// ResolveError reports a thread that cannot be monitored.
type ResolveError struct {
	Reason Reason
	Err    error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve thread (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve thread (%s)", e.Reason)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
	// Header is kept for rate limit hints.
	Header http.Header
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("reddit api status %d", e.StatusCode)
	}
	return fmt.Sprintf("reddit api status %d: %s", e.StatusCode, e.Body)
}
