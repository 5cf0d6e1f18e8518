package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultPerPage = 30
	// maxOrgPages bounds ListOrganizations for accounts in an unusual number of orgs.
	maxOrgPages = 50
)

// Account is the owner of an installation or app.
type Account struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

// Organization is an organization visible to the authenticated user.
type Organization struct {
	Login       string `json:"login"`
	ID          int64  `json:"id"`
	Description string `json:"description"`
	AvatarURL   string `json:"avatar_url"`
}

// Installation is a GitHub App installed on an organization.
type Installation struct {
	ID                  int64             `json:"id"`
	AppID               int64             `json:"app_id"`
	AppSlug             string            `json:"app_slug"`
	TargetType          string            `json:"target_type"`
	RepositorySelection string            `json:"repository_selection"`
	Permissions         map[string]string `json:"permissions"`
	Events              []string          `json:"events"`
	Account             *Account          `json:"account,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	SuspendedAt         *time.Time        `json:"suspended_at"`
}

// App is the public description of a GitHub App.
type App struct {
	ID          int64             `json:"id"`
	Slug        string            `json:"slug"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	ExternalURL string            `json:"external_url"`
	HTMLURL     string            `json:"html_url"`
	Owner       *Account          `json:"owner,omitempty"`
	Permissions map[string]string `json:"permissions"`
	Events      []string          `json:"events"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Repository is the subset of repository fields the dashboard shows.
type Repository struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	FullName    string     `json:"full_name"`
	Private     bool       `json:"private"`
	Archived    bool       `json:"archived"`
	HTMLURL     string     `json:"html_url"`
	Description string     `json:"description"`
	PushedAt    *time.Time `json:"pushed_at"`
}

// InstallationsPage is one page of an organization's installations.
type InstallationsPage struct {
	TotalCount    int            `json:"total_count"`
	Installations []Installation `json:"installations"`
}

// RepositoriesPage is one page of repositories. TotalCount is exact for installation
// listings and estimated from the last-page link for organization listings.
type RepositoriesPage struct {
	TotalCount   int          `json:"total_count"`
	Repositories []Repository `json:"repositories"`
	HasMore      bool         `json:"hasMore"`
}

func pageQuery(page, perPage int) string {
	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("per_page", strconv.Itoa(perPage))
	return v.Encode()
}

// ListOrganizations returns every organization of the authenticated user.
func (c *Client) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var all []Organization
	for page := 1; page <= maxOrgPages; page++ {
		var batch []Organization
		if _, err := c.getJSON(ctx, "/user/orgs", pageQuery(page, 100), "list organizations", &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

// ListInstallations returns one page of org's app installations.
func (c *Client) ListInstallations(ctx context.Context, org string, page, perPage int) (*InstallationsPage, error) {
	page, perPage = clampPage(page, perPage, defaultPerPage)
	var out InstallationsPage
	path := "/orgs/" + url.PathEscape(org) + "/installations"
	if _, err := c.getJSON(ctx, path, pageQuery(page, perPage), "list installations for "+org, &out); err != nil {
		return nil, err
	}
	if out.Installations == nil {
		out.Installations = []Installation{}
	}
	return &out, nil
}

// ListAllInstallations follows ListInstallations until every installation of org
// has been read.
func (c *Client) ListAllInstallations(ctx context.Context, org string) ([]Installation, error) {
	var all []Installation
	for page := 1; ; page++ {
		batch, err := c.ListInstallations(ctx, org, page, 100)
		if err != nil {
			return nil, err
		}
		all = append(all, batch.Installations...)
		if len(batch.Installations) < 100 || len(all) >= batch.TotalCount {
			return all, nil
		}
	}
}

// GetApp returns the app with the given slug, or nil when it does not exist or is
// not visible to the caller.
func (c *Client) GetApp(ctx context.Context, slug string) (*App, error) {
	var app App
	_, err := c.getJSON(ctx, "/apps/"+url.PathEscape(slug), "", "get app "+slug, &app)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ListInstallationRepositories returns one page of the repositories an installation
// can access.
func (c *Client) ListInstallationRepositories(ctx context.Context, installationID int64, page, perPage int) (*RepositoriesPage, error) {
	page, perPage = clampPage(page, perPage, defaultPerPage)
	var out RepositoriesPage
	path := fmt.Sprintf("/user/installations/%d/repositories", installationID)
	if _, err := c.getJSON(ctx, path, pageQuery(page, perPage), "list installation repositories", &out); err != nil {
		return nil, err
	}
	if out.Repositories == nil {
		out.Repositories = []Repository{}
	}
	out.HasMore = page*perPage < out.TotalCount
	return &out, nil
}

// ListOrganizationRepositories returns one page of org's repositories. The listing
// has no total count, so one is estimated from the last-page link.
func (c *Client) ListOrganizationRepositories(ctx context.Context, org string, page, perPage int) (*RepositoriesPage, error) {
	page, perPage = clampPage(page, perPage, defaultPerPage)
	var repos []Repository
	path := "/orgs/" + url.PathEscape(org) + "/repos"
	header, err := c.getJSON(ctx, path, pageQuery(page, perPage), "list repositories for "+org, &repos)
	if err != nil {
		return nil, err
	}
	if repos == nil {
		repos = []Repository{}
	}

	out := &RepositoriesPage{Repositories: repos, HasMore: hasNext(header)}
	if last := lastPage(header); last > 0 {
		out.TotalCount = last * perPage
	} else {
		out.TotalCount = (page-1)*perPage + len(repos)
	}
	return out, nil
}
