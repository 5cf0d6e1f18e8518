// Package inventory serves the read-only views of installed GitHub Apps:
// organizations, installations, app details and the repositories they reach.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/app-inventory/app-inventory/internal/api/upstream"
	"github.com/app-inventory/app-inventory/internal/github"
)

const (
	defaultPerPage = 30
	maxPerPage     = 100

	// appLookupConcurrency bounds parallel GET /apps/{slug} calls per request.
	appLookupConcurrency = 4
)

// Handler handles inventory API requests
type Handler struct {
	resolver *upstream.Resolver
}

// NewHandler creates a new inventory handler
func NewHandler(resolver *upstream.Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// paginationParams reads ?page and ?per_page. Missing, zero or unparsable values
// take the defaults; out-of-range values are clamped.
func paginationParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page"))
	if perPage == 0 {
		perPage = defaultPerPage
	}
	return page, min(max(perPage, 1), maxPerPage)
}

// @Summary      List organizations
// @Description  Returns every organization visible to the caller's token.
// @Tags         Inventory
// @Produce      json
// @Success      200  {array}   github.Organization
// @Router       /api/organizations [get]
func (h *Handler) ListOrganizations(c *gin.Context) {
	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}
	orgs, err := client.ListOrganizations(c.Request.Context())
	if err != nil {
		upstream.RespondError(c, "Failed to fetch organizations", err)
		return
	}
	if orgs == nil {
		orgs = []github.Organization{}
	}
	c.JSON(http.StatusOK, orgs)
}

// @Summary      List app installations
// @Tags         Inventory
// @Produce      json
// @Param        org       path   string  true   "Organization login"
// @Param        page      query  int     false  "Page (default 1)"
// @Param        per_page  query  int     false  "Page size (default 30, max 100)"
// @Success      200  {object}  github.InstallationsPage
// @Router       /api/organizations/{org}/installations [get]
func (h *Handler) ListInstallations(c *gin.Context) {
	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}
	page, perPage := paginationParams(c)
	result, err := client.ListInstallations(c.Request.Context(), c.Param("org"), page, perPage)
	if err != nil {
		upstream.RespondError(c, "Failed to fetch installations", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary      Get app details
// @Tags         Inventory
// @Produce      json
// @Param        slug  path  string  true  "App slug"
// @Success      200  {object}  github.App
// @Failure      404  {object}  map[string]string
// @Router       /api/apps/{slug} [get]
func (h *Handler) GetApp(c *gin.Context) {
	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}
	app, err := client.GetApp(c.Request.Context(), c.Param("slug"))
	if err != nil {
		upstream.RespondError(c, "Failed to fetch app", err)
		return
	}
	if app == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "App not found"})
		return
	}
	c.JSON(http.StatusOK, app)
}

// @Summary      List repositories of an installation
// @Tags         Inventory
// @Produce      json
// @Param        id        path   int  true   "Installation ID"
// @Param        page      query  int  false  "Page (default 1)"
// @Param        per_page  query  int  false  "Page size (default 30, max 100)"
// @Success      200  {object}  github.RepositoriesPage
// @Router       /api/installations/{id}/repositories [get]
func (h *Handler) ListInstallationRepositories(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "installation id must be a positive integer"})
		return
	}
	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}
	page, perPage := paginationParams(c)
	result, err := client.ListInstallationRepositories(c.Request.Context(), id, page, perPage)
	if err != nil {
		upstream.RespondError(c, "Failed to fetch repositories", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary      List repositories of an organization
// @Tags         Inventory
// @Produce      json
// @Param        org       path   string  true   "Organization login"
// @Param        page      query  int     false  "Page (default 1)"
// @Param        per_page  query  int     false  "Page size (default 30, max 100)"
// @Success      200  {object}  github.RepositoriesPage
// @Router       /api/organizations/{org}/repositories [get]
func (h *Handler) ListOrganizationRepositories(c *gin.Context) {
	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}
	page, perPage := paginationParams(c)
	result, err := client.ListOrganizationRepositories(c.Request.Context(), c.Param("org"), page, perPage)
	if err != nil {
		upstream.RespondError(c, "Failed to fetch repositories", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// orgRef accepts an organization either as its login string or as an object with a
// "login" field, so callers can post back the organizations list verbatim.
type orgRef string

func (o *orgRef) UnmarshalJSON(data []byte) error {
	var login string
	if err := json.Unmarshal(data, &login); err == nil {
		*o = orgRef(login)
		return nil
	}
	var obj struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("organization must be a login or an object with a login")
	}
	*o = orgRef(obj.Login)
	return nil
}

// DashboardRequest is the body of POST /api/dashboard/data.
type DashboardRequest struct {
	Organizations []orgRef `json:"organizations"`
	Page          int      `json:"page"`
	PerPage       int      `json:"perPage"`
}

// DashboardResponse bundles installations across organizations with the details of
// each distinct app they belong to.
type DashboardResponse struct {
	Installations []github.Installation `json:"installations"`
	Apps          []github.App          `json:"apps"`
	TotalCount    int                   `json:"totalCount"`
	Page          int                   `json:"page"`
	PerPage       int                   `json:"perPage"`
}

// @Summary      Dashboard data
// @Description  Returns one page of installations for each organization plus the details of every distinct app among them.
// @Tags         Inventory
// @Accept       json
// @Produce      json
// @Param        body  body  DashboardRequest  true  "Organizations and paging"
// @Success      200  {object}  DashboardResponse
// @Failure      400  {object}  map[string]string
// @Router       /api/dashboard/data [post]
func (h *Handler) DashboardData(c *gin.Context) {
	var req DashboardRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Organizations == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Organizations array required"})
		return
	}
	page := max(req.Page, 1)
	perPage := req.PerPage
	if perPage == 0 {
		perPage = defaultPerPage
	}
	perPage = min(max(perPage, 1), maxPerPage)

	client, _, ok := h.resolver.ClientFor(c)
	if !ok {
		return
	}

	resp, err := collectDashboard(c.Request.Context(), client, req.Organizations, page, perPage)
	if err != nil {
		upstream.RespondError(c, "Failed to fetch dashboard data", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func collectDashboard(ctx context.Context, client *github.Client, orgs []orgRef, page, perPage int) (*DashboardResponse, error) {
	resp := &DashboardResponse{
		Installations: []github.Installation{},
		Apps:          []github.App{},
		Page:          page,
		PerPage:       perPage,
	}

	var slugs []string
	seen := make(map[string]bool)
	for _, org := range orgs {
		login := strings.TrimSpace(string(org))
		if login == "" {
			continue
		}
		result, err := client.ListInstallations(ctx, login, page, perPage)
		if err != nil {
			return nil, err
		}
		resp.Installations = append(resp.Installations, result.Installations...)
		resp.TotalCount += result.TotalCount
		for _, inst := range result.Installations {
			if inst.AppSlug != "" && !seen[inst.AppSlug] {
				seen[inst.AppSlug] = true
				slugs = append(slugs, inst.AppSlug)
			}
		}
	}

	apps := make([]*github.App, len(slugs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(appLookupConcurrency)
	for i, slug := range slugs {
		g.Go(func() error {
			app, err := client.GetApp(gctx, slug)
			if err != nil {
				return err
			}
			apps[i] = app
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Apps that no longer exist or are private to another owner are left out.
	for _, app := range apps {
		if app != nil {
			resp.Apps = append(resp.Apps, *app)
		}
	}
	return resp, nil
}
