package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/app-inventory/app-inventory/internal/retry"
	"github.com/app-inventory/app-inventory/internal/usage"
)

var (
	// ErrStreamEnded means the server closed the stream without a terminal event.
	ErrStreamEnded = errors.New("stream: ended before a complete or error event")
	errTransport   = errors.New("stream: request failed")
)

// RemoteError is an error event sent by the server.
type RemoteError struct {
	Organization string
	Message      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("stream: scan of %s failed: %s", e.Organization, e.Message)
}

// StatusError is a non-200 response to the stream request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the usage service root, e.g. http://localhost:8080.
	BaseURL string
	// Token is forwarded as the GitHub bearer token.
	Token string
	// EnterpriseURL selects a GitHub Enterprise Server host on the service side.
	EnterpriseURL string
	HTTPClient    *http.Client
	// Retry bounds reconnects. The default allows three connection attempts.
	Retry retry.Config
}

// Client consumes the service's progress stream for one organization at a time and
// reconnects when the stream drops.
type Client struct {
	opts     ClientOptions
	smoother *Smoother
}

// NewClient returns a stream client.
func NewClient(opts ClientOptions) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Client{opts: opts, smoother: NewSmoother()}
}

// StreamOrganization runs a scan of org on the server and returns its usage list.
// Progress is smoothed before it reaches reporter, so a reconnect never makes the
// reported counters go backwards.
func (c *Client) StreamOrganization(ctx context.Context, org string, appSlugs []string, inactiveDays int, reporter usage.Reporter) ([]usage.AppUsageInfo, error) {
	if reporter == nil {
		reporter = usage.ReporterFunc(nil)
	}
	c.smoother.Reset(org)

	var result []usage.AppUsageInfo
	err := retry.Do(ctx, c.opts.Retry, reconnectable, func(attempt int) error {
		if attempt > 1 {
			slog.Info("reconnecting progress stream", "org", org, "attempt", attempt)
		}
		res, err := c.streamOnce(ctx, org, appSlugs, inactiveDays, reporter)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func reconnectable(err error) bool {
	if errors.Is(err, ErrStreamEnded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errTransport) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func (c *Client) streamURL(org string, appSlugs []string, inactiveDays int) string {
	q := url.Values{}
	q.Set("app_slugs", strings.Join(appSlugs, ","))
	if inactiveDays > 0 {
		q.Set("inactive_days", strconv.Itoa(inactiveDays))
	}
	return c.opts.BaseURL + "/api/organizations/" + url.PathEscape(org) + "/app-usage/stream?" + q.Encode()
}

func (c *Client) streamOnce(ctx context.Context, org string, appSlugs []string, inactiveDays int, reporter usage.Reporter) ([]usage.AppUsageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(org, appSlugs, inactiveDays), nil)
	if err != nil {
		return nil, fmt.Errorf("stream: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if c.opts.EnterpriseURL != "" {
		req.Header.Set("X-GitHub-Enterprise-URL", c.opts.EnterpriseURL)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	reader := NewReader(resp.Body)
	for {
		e, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrStreamEnded
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrMalformedEvent) {
				return nil, err
			}
			// A body read failure mid-stream is a dropped connection.
			return nil, fmt.Errorf("%w: %w", errTransport, err)
		}

		switch e.Type {
		case EventProgress:
			reporter.Report(c.smoother.Smooth(e.ScanProgress))
		case EventComplete:
			p := e.ScanProgress
			p.Organization = org
			p.Phase = usage.PhaseComplete
			reporter.Report(c.smoother.Smooth(p))
			if e.Usage == nil {
				return []usage.AppUsageInfo{}, nil
			}
			return e.Usage, nil
		case EventError:
			return nil, &RemoteError{Organization: org, Message: e.Error}
		}
	}
}
