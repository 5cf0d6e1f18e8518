// Package upstream resolves which GitHub instance and credentials a request talks
// to, and maps upstream failures onto HTTP responses. Every API handler goes
// through it so the token and enterprise host rules live in one place.
package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/app-inventory/app-inventory/internal/config"
	"github.com/app-inventory/app-inventory/internal/github"
	"github.com/app-inventory/app-inventory/internal/middleware"
	"github.com/app-inventory/app-inventory/internal/usage"
)

// EnterpriseURLHeader selects a GitHub Enterprise Server host for one request.
const EnterpriseURLHeader = "X-GitHub-Enterprise-URL"

// ErrBadEnterpriseURL is returned when the enterprise header is not a usable URL.
var ErrBadEnterpriseURL = errors.New("invalid " + EnterpriseURLHeader + " header")

// Credentials identify the GitHub API root and token used for one request.
type Credentials struct {
	APIURL string
	Token  string
}

// Fingerprint is a stable, non-reversible identifier for the credentials. It keys
// shared work between callers without keeping the token itself around.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.APIURL + "\x00" + c.Token))
	return hex.EncodeToString(sum[:12])
}

// Resolver builds per-request GitHub clients.
type Resolver struct {
	apiURL     string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewResolver uses cfg for requests that carry no credentials of their own.
func NewResolver(cfg config.GitHubConfig) *Resolver {
	return &Resolver{apiURL: cfg.APIURL, token: cfg.Token, timeout: cfg.RequestTimeout}
}

// WithHTTPClient makes every client built by r use hc as its base transport.
func (r *Resolver) WithHTTPClient(hc *http.Client) *Resolver {
	r.httpClient = hc
	return r
}

// Resolve reads the caller's bearer token, falling back to the configured one, and
// the optional enterprise host header.
func (r *Resolver) Resolve(c *gin.Context) (Credentials, error) {
	creds := Credentials{APIURL: r.apiURL, Token: r.token}

	if auth := c.GetHeader("Authorization"); auth != "" {
		if token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); token != "" {
			creds.Token = token
		}
	}

	if host := strings.TrimSpace(c.GetHeader(EnterpriseURLHeader)); host != "" {
		apiURL, err := github.EnterpriseAPIURL(host)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: %w", ErrBadEnterpriseURL, err)
		}
		creds.APIURL = apiURL
	}
	return creds, nil
}

// Client returns a GitHub client for creds.
func (r *Resolver) Client(creds Credentials) *github.Client {
	return github.NewClient(github.Settings{
		APIURL:     creds.APIURL,
		Token:      creds.Token,
		HTTPClient: r.httpClient,
		Timeout:    r.timeout,
	})
}

// ClientFor resolves the request's credentials and builds a client. On failure it
// has already written the error response and returns false.
func (r *Resolver) ClientFor(c *gin.Context) (*github.Client, Credentials, bool) {
	creds, err := r.Resolve(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, Credentials{}, false
	}
	return r.Client(creds), creds, true
}

// Status maps an upstream or scan error to the HTTP status returned to the caller.
func Status(err error) int {
	switch {
	case errors.Is(err, github.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, github.ErrForbidden), errors.Is(err, usage.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, github.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, github.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, github.ErrAuditLogUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, github.ErrUpstream), errors.Is(err, github.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, usage.ErrTransientFetch):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadEnterpriseURL):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// RespondError logs err and writes it as {"error": summary}. The upstream message is
// only exposed for client errors; server-side failures get the generic summary.
func RespondError(c *gin.Context, summary string, err error) {
	status := Status(err)
	slog.Error(summary,
		"error", err,
		"status", status,
		"upstream_status", github.StatusCode(err),
		"request_id", c.GetString(middleware.RequestIDKey),
	)

	body := gin.H{"error": summary}
	if status < http.StatusInternalServerError || status == http.StatusNotImplemented {
		body["detail"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
