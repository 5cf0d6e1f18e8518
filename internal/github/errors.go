// errors.go defines the error values returned by the GitHub client.
package github

import (
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("github: credentials rejected")
	ErrForbidden    = errors.New("github: access forbidden")
	ErrNotFound     = errors.New("github: resource not found")
	ErrRateLimited  = errors.New("github: API rate limit exceeded")
	ErrUpstream     = errors.New("github: upstream server error")
	ErrTransport    = errors.New("github: request failed")

	// ErrAuditLogUnsupported is returned for GitHub Enterprise Server releases that
	// predate the audit log REST endpoint.
	ErrAuditLogUnsupported = errors.New("github: audit log API requires GitHub Enterprise Server 3.3 or later")
)

// APIError is a failed GitHub API call. StatusCode is 0 for transport failures.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// WrapRemoteError builds an APIError.
func WrapRemoteError(status int, message string, err error) *APIError {
	return &APIError{StatusCode: status, Message: message, Err: err}
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// responseError classifies a non-2xx response. It reads a bounded prefix of the
// body for the message GitHub returns.
func responseError(resp *http.Response, op string) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := op
	var detail struct {
		Message string `json:"message"`
	}
	if decodeJSON(body, &detail) == nil && detail.Message != "" {
		msg = op + ": " + detail.Message
	}

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && rateLimitExhausted(resp.Header):
		sentinel = ErrRateLimited
	case resp.StatusCode == http.StatusForbidden:
		sentinel = ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		sentinel = ErrNotFound
	case resp.StatusCode >= 500:
		sentinel = ErrUpstream
	}
	return WrapRemoteError(resp.StatusCode, msg, sentinel)
}

func rateLimitExhausted(h http.Header) bool {
	if strings.TrimSpace(h.Get("X-RateLimit-Remaining")) == "0" {
		return true
	}
	return h.Get("Retry-After") != ""
}
