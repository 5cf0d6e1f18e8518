package inventory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/app-inventory/app-inventory/internal/api/upstream"
	"github.com/app-inventory/app-inventory/internal/config"
	"github.com/app-inventory/app-inventory/internal/github"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

// newInventoryRouter wires the handler against a fake GitHub API served by gh.
func newInventoryRouter(t *testing.T, gh http.HandlerFunc) *gin.Engine {
	t.Helper()
	srv := httptest.NewServer(gh)
	t.Cleanup(srv.Close)

	h := NewHandler(upstream.NewResolver(config.GitHubConfig{APIURL: srv.URL, Token: "ghp_test"}))
	r := gin.New()
	r.GET("/api/organizations", h.ListOrganizations)
	r.GET("/api/organizations/:org/installations", h.ListInstallations)
	r.GET("/api/organizations/:org/repositories", h.ListOrganizationRepositories)
	r.GET("/api/apps/:slug", h.GetApp)
	r.GET("/api/installations/:id/repositories", h.ListInstallationRepositories)
	r.POST("/api/dashboard/data", h.DashboardData)
	return r
}

func do(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// paginationParams
// ---------------------------------------------------------------------------

func TestPaginationParams(t *testing.T) {
	tests := []struct {
		query         string
		page, perPage int
	}{
		{"", 1, 30},
		{"page=3&per_page=50", 3, 50},
		{"page=0&per_page=0", 1, 30},
		{"page=-2&per_page=-5", 1, 1},
		{"page=abc&per_page=500", 1, 100},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		page, perPage := paginationParams(c)
		if page != tt.page || perPage != tt.perPage {
			t.Errorf("paginationParams(%q) = %d, %d; want %d, %d", tt.query, page, perPage, tt.page, tt.perPage)
		}
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func TestListOrganizations(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/user/orgs", req.URL.Path)
		assert.Equal(t, "Bearer ghp_test", req.Header.Get("Authorization"))
		writeJSON(w, []github.Organization{{Login: "acme", ID: 1}, {Login: "globex", ID: 2}})
	})

	w := do(r, http.MethodGet, "/api/organizations", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var orgs []github.Organization
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orgs))
	assert.Len(t, orgs, 2)
	assert.Equal(t, "globex", orgs[1].Login)
}

func TestListOrganizations_UpstreamUnauthorized(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	w := do(r, http.MethodGet, "/api/organizations", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Failed to fetch organizations")
}

func TestListInstallations_PassesPagination(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/orgs/acme/installations", req.URL.Path)
		assert.Equal(t, "2", req.URL.Query().Get("page"))
		assert.Equal(t, "100", req.URL.Query().Get("per_page"))
		writeJSON(w, map[string]any{
			"total_count":   101,
			"installations": []map[string]any{{"id": 7, "app_slug": "bot-a"}},
		})
	})

	w := do(r, http.MethodGet, "/api/organizations/acme/installations?page=2&per_page=1000", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page github.InstallationsPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 101, page.TotalCount)
	require.Len(t, page.Installations, 1)
	assert.Equal(t, "bot-a", page.Installations[0].AppSlug)
}

func TestGetApp(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/apps/bot-a" {
			writeJSON(w, map[string]any{"id": 1, "slug": "bot-a", "name": "Bot A"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	w := do(r, http.MethodGet, "/api/apps/bot-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Bot A"`)

	w = do(r, http.MethodGet, "/api/apps/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "App not found")
}

func TestListInstallationRepositories(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/user/installations/42/repositories", req.URL.Path)
		writeJSON(w, map[string]any{
			"total_count":  45,
			"repositories": []map[string]any{{"id": 1, "name": "api", "full_name": "acme/api"}},
		})
	})

	w := do(r, http.MethodGet, "/api/installations/42/repositories?per_page=30", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"hasMore":true`)

	w = do(r, http.MethodGet, "/api/installations/nope/repositories", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrganizationRepositories(t *testing.T) {
	var srvURL string
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Link", `<`+srvURL+`/orgs/acme/repos?page=2&per_page=10>; rel="next", <`+srvURL+`/orgs/acme/repos?page=4&per_page=10>; rel="last"`)
		writeJSON(w, []map[string]any{{"id": 1, "name": "api"}})
	})
	srvURL = "https://api.github.test"

	w := do(r, http.MethodGet, "/api/organizations/acme/repositories?per_page=10", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page github.RepositoriesPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.True(t, page.HasMore)
	assert.Equal(t, 40, page.TotalCount)
}

func TestDashboardData(t *testing.T) {
	var appLookups atomic.Int32
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/orgs/acme/installations":
			writeJSON(w, map[string]any{"total_count": 2, "installations": []map[string]any{
				{"id": 1, "app_slug": "bot-a"}, {"id": 2, "app_slug": "bot-b"},
			}})
		case "/orgs/globex/installations":
			writeJSON(w, map[string]any{"total_count": 1, "installations": []map[string]any{
				{"id": 3, "app_slug": "bot-a"},
			}})
		case "/apps/bot-a":
			appLookups.Add(1)
			writeJSON(w, map[string]any{"slug": "bot-a"})
		case "/apps/bot-b":
			appLookups.Add(1)
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected upstream call %s", req.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	// Organizations may be logins or objects with a login.
	w := do(r, http.MethodPost, "/api/dashboard/data",
		`{"organizations":["acme",{"login":"globex","id":9}],"perPage":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DashboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Installations, 3)
	assert.Equal(t, 3, resp.TotalCount)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 10, resp.PerPage)
	require.Len(t, resp.Apps, 1, "missing apps are omitted")
	assert.Equal(t, "bot-a", resp.Apps[0].Slug)
	assert.Equal(t, int32(2), appLookups.Load(), "each distinct app is looked up once")
}

func TestDashboardData_RequiresOrganizations(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		t.Errorf("unexpected upstream call %s", req.URL.Path)
	})

	for _, body := range []string{`{}`, `{"organizations":"acme"}`, `not json`} {
		w := do(r, http.MethodPost, "/api/dashboard/data", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestBadEnterpriseHeader(t *testing.T) {
	r := newInventoryRouter(t, func(w http.ResponseWriter, req *http.Request) {
		t.Errorf("unexpected upstream call %s", req.URL.Path)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/organizations", nil)
	req.Header.Set(upstream.EnterpriseURLHeader, "not a url")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
