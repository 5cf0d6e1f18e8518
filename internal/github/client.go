// Package github is a small REST client for the GitHub API (github.com and GitHub
// Enterprise Server). It reads organization audit logs for the usage scanner and
// lists organizations, app installations and repositories for the dashboard.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultAPIURL is the github.com REST endpoint.
	DefaultAPIURL = "https://api.github.com"

	apiVersion     = "2022-11-28"
	defaultTimeout = 30 * time.Second
)

// Settings configures a Client.
type Settings struct {
	// APIURL is the REST root, e.g. https://api.github.com or
	// https://ghe.example.com/api/v3. Empty means github.com.
	APIURL string
	// Token is sent as a bearer token. Empty sends unauthenticated requests.
	Token string
	// HTTPClient is the base client whose transport and timeout are reused. A new
	// client with Timeout is created when nil.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to one GitHub API root with one set of credentials. It is safe for
// concurrent use.
type Client struct {
	apiURL string
	http   *http.Client
}

// NewClient creates a client from settings.
func NewClient(settings Settings) *Client {
	apiURL := strings.TrimRight(settings.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	base := settings.HTTPClient
	if base == nil {
		timeout := settings.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		base = &http.Client{Timeout: timeout}
	}

	httpClient := base
	if settings.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: settings.Token,
			TokenType:   "Bearer",
		}))
	}

	return &Client{apiURL: apiURL, http: httpClient}
}

// APIURL returns the REST root the client talks to.
func (c *Client) APIURL() string { return c.apiURL }

// EnterpriseAPIURL derives the REST root for a GitHub Enterprise Server host. A bare
// host URL gets the /api/v3 suffix; a URL that already carries a path is used as-is.
func EnterpriseAPIURL(instanceURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(instanceURL))
	if err != nil {
		return "", fmt.Errorf("github: parse enterprise URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("github: enterprise URL %q must be an absolute http(s) URL", instanceURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" {
		u.Path = "/api/v3"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// get issues a GET for path with an already encoded query string. Transport
// failures come back as an APIError wrapping ErrTransport; the caller owns the
// response body on success.
func (c *Client) get(ctx context.Context, path, rawQuery string) (*http.Response, error) {
	endpoint := c.apiURL + path
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, WrapRemoteError(0, "GET "+path, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	return resp, nil
}

// getJSON issues a GET and decodes a 200 response into out. It returns the response
// headers for pagination.
func (c *Client) getJSON(ctx context.Context, path, rawQuery, op string, out any) (http.Header, error) {
	resp, err := c.get(ctx, path, rawQuery)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("github: decode %s: %w", op, err)
	}
	return resp.Header, nil
}

func decodeJSON(body []byte, out any) error {
	return json.NewDecoder(bytes.NewReader(body)).Decode(out)
}

// clampPage keeps page ≥ 1 and 1 ≤ perPage ≤ 100, falling back to def for an out of
// range perPage.
func clampPage(page, perPage, def int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = def
	}
	return page, perPage
}
