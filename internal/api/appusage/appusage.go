// Package appusage serves app activity verdicts inferred from organization audit
// logs, either as a single JSON response or as a server-sent progress stream.
package appusage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"github.com/app-inventory/app-inventory/internal/api/upstream"
	"github.com/app-inventory/app-inventory/internal/config"
	"github.com/app-inventory/app-inventory/internal/middleware"
	"github.com/app-inventory/app-inventory/internal/safego"
	"github.com/app-inventory/app-inventory/internal/stream"
	"github.com/app-inventory/app-inventory/internal/telemetry"
	"github.com/app-inventory/app-inventory/internal/usage"
)

const (
	defaultKeepAlive   = 15 * time.Second
	defaultScanTimeout = 10 * time.Minute
	// maxOrganizations caps a single POST /api/app-usage request. Organizations are
	// scanned one after another, so the request time grows linearly with the list.
	maxOrganizations = 100
)

var errSlugsRequired = errors.New("app_slugs query parameter required (comma-separated)")

// Handler handles app usage API requests
type Handler struct {
	resolver    *upstream.Resolver
	cfg         config.UsageConfig
	opts        usage.Options
	flight      singleflight.Group
	keepAlive   time.Duration
	scanTimeout time.Duration
}

// NewHandler creates an app usage handler scanning with the options in cfg.
func NewHandler(resolver *upstream.Resolver, cfg config.UsageConfig) (*Handler, error) {
	opts, err := cfg.ScanOptions()
	if err != nil {
		return nil, err
	}
	scanTimeout := cfg.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = defaultScanTimeout
	}
	return &Handler{
		resolver:    resolver,
		cfg:         cfg,
		opts:        opts,
		keepAlive:   defaultKeepAlive,
		scanTimeout: scanTimeout,
	}, nil
}

// scanRequest is a parsed usage query for one organization.
type scanRequest struct {
	org          string
	appSlugs     []string
	inactiveDays int
}

func (r scanRequest) threshold() time.Duration {
	return config.InactiveThreshold(r.inactiveDays)
}

// parseSlugs splits a comma-separated list, dropping blanks and duplicates while
// keeping the caller's order.
func parseSlugs(raw []string) []string {
	var out []string
	for _, part := range raw {
		for _, slug := range strings.Split(part, ",") {
			slug = strings.TrimSpace(slug)
			if slug != "" && !slices.Contains(out, slug) {
				out = append(out, slug)
			}
		}
	}
	return out
}

func (h *Handler) parseQuery(c *gin.Context) (scanRequest, error) {
	slugs := parseSlugs(c.QueryArray("app_slugs"))
	if len(slugs) == 0 {
		return scanRequest{}, errSlugsRequired
	}
	days, _ := strconv.Atoi(c.Query("inactive_days"))
	return scanRequest{
		org:          c.Param("org"),
		appSlugs:     slugs,
		inactiveDays: h.cfg.ClampInactiveDays(days),
	}, nil
}

// UsageResponse is the JSON result for one organization.
type UsageResponse struct {
	Organization    string               `json:"organization"`
	InactiveDays    int                  `json:"inactiveDays"`
	Strategy        usage.Strategy       `json:"strategy"`
	Outcome         usage.Outcome        `json:"outcome"`
	Usage           []usage.AppUsageInfo `json:"usage"`
	Error           string               `json:"error,omitempty"`
	PagesFetched    int                  `json:"pagesFetched"`
	EntriesExamined int                  `json:"entriesExamined"`
	SkippedEntries  int                  `json:"skippedEntries"`
}

func newUsageResponse(req scanRequest, res *usage.OrgResult) *UsageResponse {
	return &UsageResponse{
		Organization:    req.org,
		InactiveDays:    req.inactiveDays,
		Strategy:        res.Strategy,
		Outcome:         res.Outcome,
		Usage:           usage.SortedUsage(res.Usage),
		Error:           res.Error,
		PagesFetched:    res.PagesFetched,
		EntriesExamined: res.EntriesExamined,
		SkippedEntries:  res.SkippedEntries,
	}
}

// flightKey identifies scans whose results are interchangeable.
func flightKey(creds upstream.Credentials, req scanRequest) string {
	slugs := slices.Clone(req.appSlugs)
	slices.Sort(slugs)
	return strings.Join([]string{
		creds.Fingerprint(), req.org, strings.Join(slugs, ","), strconv.Itoa(req.inactiveDays),
	}, "|")
}

// @Summary      App usage for an organization
// @Description  Scans the organization's audit log and classifies each app as active, inactive or unknown. Access denial and exhausted retries are reported through outcome, not an error status.
// @Tags         Usage
// @Produce      json
// @Param        org            path   string  true   "Organization login"
// @Param        app_slugs      query  string  true   "Comma-separated app slugs"
// @Param        inactive_days  query  int     false  "Inactivity window in days (1-180)"
// @Success      200  {object}  UsageResponse
// @Failure      400  {object}  map[string]string
// @Router       /api/organizations/{org}/app-usage [get]
func (h *Handler) GetUsage(c *gin.Context) {
	req, err := h.parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	client, creds, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}

	// Identical concurrent requests share one scan. The scan is detached from the
	// first caller so that caller leaving does not fail everyone else waiting on it,
	// and bounded by scanTimeout since no caller can cancel it.
	reqCtx := c.Request.Context()
	ch := h.flight.DoChan(flightKey(creds, req), func() (any, error) {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), h.scanTimeout)
		defer cancel()

		scanner := usage.NewScanner(client, h.opts)
		res, err := scanner.ScanOrganization(scanCtx, req.org, req.appSlugs, req.threshold(), nil)
		if err != nil {
			if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("scan %s exceeded %s: %w", req.org, h.scanTimeout, context.DeadlineExceeded)
			}
			return nil, err
		}
		return newUsageResponse(req, res), nil
	})

	select {
	case <-c.Request.Context().Done():
		slog.Info("caller left before scan finished", "org", req.org,
			"request_id", c.GetString(middleware.RequestIDKey))
		c.Abort()
	case r := <-ch:
		if r.Err != nil {
			upstream.RespondError(c, "Failed to fetch app usage data", r.Err)
			return
		}
		if r.Shared {
			slog.Debug("app usage scan shared", "org", req.org)
		}
		c.JSON(http.StatusOK, r.Val)
	}
}

// @Summary      Stream app usage progress
// @Description  Same scan as the JSON endpoint, reported as server-sent events: progress frames, then one complete frame carrying the usage list or one error frame.
// @Tags         Usage
// @Produce      text/event-stream
// @Param        org            path   string  true   "Organization login"
// @Param        app_slugs      query  string  true   "Comma-separated app slugs"
// @Param        inactive_days  query  int     false  "Inactivity window in days (1-180)"
// @Success      200
// @Failure      400  {object}  map[string]string
// @Router       /api/organizations/{org}/app-usage/stream [get]
func (h *Handler) StreamUsage(c *gin.Context) {
	req, err := h.parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}

	stream.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	telemetry.StreamsActive.Inc()
	defer telemetry.StreamsActive.Dec()

	sw := stream.NewWriter(c.Writer)

	// The keep-alive goroutine must be gone before the handler returns and gin
	// recycles the response writer.
	keepAliveCtx, stopKeepAlive := context.WithCancel(c.Request.Context())
	keepAliveDone := make(chan struct{})
	safego.Go("sse-keepalive", func() {
		defer close(keepAliveDone)
		h.keepAliveLoop(keepAliveCtx, sw)
	})

	scanner := usage.NewScanner(client, h.opts)
	res, err := scanner.ScanOrganization(c.Request.Context(), req.org, req.appSlugs, req.threshold(), sw.Reporter())
	stopKeepAlive()
	<-keepAliveDone

	var final stream.Event
	switch {
	case err != nil:
		final = stream.ErrorEvent(req.org, "scan aborted")
	case res.Outcome == usage.OutcomeAccessDenied:
		final = stream.ErrorEvent(req.org, "audit log access denied: "+res.Error)
	default:
		// A fetch_failed scan still ends with the verdicts it could establish.
		final = stream.CompleteEvent(req.org, usage.SortedUsage(res.Usage))
	}
	if err := sw.Send(final); err != nil {
		slog.Debug("final stream event not delivered", "org", req.org, "error", err)
	}
}

// keepAliveLoop writes a comment frame whenever the stream has been idle for the
// keep-alive interval, so proxies do not cut long scans.
func (h *Handler) keepAliveLoop(ctx context.Context, sw *stream.Writer) {
	if h.keepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sw.Comment("keepalive") != nil {
				return
			}
		}
	}
}

// MultiOrgRequest is the body of POST /api/app-usage.
type MultiOrgRequest struct {
	Organizations []string `json:"organizations"`
	AppSlugs      []string `json:"appSlugs"`
	InactiveDays  int      `json:"inactiveDays"`
}

// MultiOrgResponse merges the verdicts of every organization.
type MultiOrgResponse struct {
	InactiveDays  int                  `json:"inactiveDays"`
	Strategy      usage.Strategy       `json:"strategy"`
	Usage         []usage.AppUsageInfo `json:"usage"`
	Organizations []*UsageResponse     `json:"organizations"`
}

// @Summary      App usage across organizations
// @Description  Scans each organization in turn and merges the results: counts add up, the latest activity wins and active beats inactive beats unknown.
// @Tags         Usage
// @Accept       json
// @Produce      json
// @Param        body  body  MultiOrgRequest  true  "Organizations, app slugs and inactivity window"
// @Success      200  {object}  MultiOrgResponse
// @Failure      400  {object}  map[string]string
// @Router       /api/app-usage [post]
func (h *Handler) ScanOrganizations(c *gin.Context) {
	var body MultiOrgRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	orgs := parseSlugs(body.Organizations)
	if len(orgs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organizations array required"})
		return
	}
	if len(orgs) > maxOrganizations {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many organizations (max " + strconv.Itoa(maxOrganizations) + ")"})
		return
	}
	slugs := parseSlugs(body.AppSlugs)
	if len(slugs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "appSlugs array required"})
		return
	}
	days := h.cfg.ClampInactiveDays(body.InactiveDays)

	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}

	scanner := usage.NewScanner(client, h.opts)
	result, err := scanner.ScanOrganizations(c.Request.Context(), orgs, slugs, config.InactiveThreshold(days), nil)
	if err != nil {
		upstream.RespondError(c, "Failed to fetch app usage data", err)
		return
	}

	resp := &MultiOrgResponse{
		InactiveDays:  days,
		Strategy:      scanner.Strategy(),
		Usage:         usage.SortedUsage(result.Usage),
		Organizations: make([]*UsageResponse, 0, len(result.Organizations)),
	}
	for _, orgRes := range result.Organizations {
		req := scanRequest{org: orgRes.Organization, appSlugs: slugs, inactiveDays: days}
		resp.Organizations = append(resp.Organizations, newUsageResponse(req, orgRes))
	}
	c.JSON(http.StatusOK, resp)
}
