package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/app-inventory/app-inventory/internal/stream"
	"github.com/app-inventory/app-inventory/internal/usage"
)

// memStore is an in-memory TokenStore.
type memStore struct {
	token string
}

func (m *memStore) SetToken(token string) error { m.token = token; return nil }

func (m *memStore) GetToken() (string, error) {
	if m.token == "" {
		return "", errTokenNotFound
	}
	return m.token, nil
}

func (m *memStore) DeleteToken() error {
	if m.token == "" {
		return errTokenNotFound
	}
	m.token = ""
	return nil
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, store TokenStore, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(tokenEnvVar, "")
	t.Setenv("CONFIG_PATH", "")

	var outBuf, errBuf bytes.Buffer
	cmd := rootCmd(store)
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func fakeGitHub(t *testing.T, gotAuth *string) *httptest.Server {
	t.Helper()
	now := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		switch r.URL.Path {
		case "/orgs/acme/audit-log":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"actor": "bot-a[bot]", "action": "git.clone", "@timestamp": now.Add(-time.Hour).UnixMilli()},
				{"actor": "bot-a[bot]", "action": "git.push", "@timestamp": now.Add(-2 * time.Hour).UnixMilli()},
				{"actor": "octocat", "action": "repo.create", "@timestamp": now.Add(-3 * time.Hour).UnixMilli()},
			})
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"Must have admin rights"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---------------------------------------------------------------------------
// scan
// ---------------------------------------------------------------------------

func TestScan_Table(t *testing.T) {
	var gotAuth string
	srv := fakeGitHub(t, &gotAuth)

	stdout, stderr, err := execute(t, &memStore{token: "ghp_stored"},
		"scan", "--org", "acme", "--app", "bot-a,bot-b", "--api-url", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Bearer ghp_stored", gotAuth)
	assert.Contains(t, stderr, "acme: fetching")

	lines := strings.Split(stdout, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.True(t, strings.HasPrefix(lines[0], "APP"), stdout)
	assert.Regexp(t, `bot-a\s+active\s+\S.*\s+2`, lines[2])
	assert.Regexp(t, `bot-b\s+inactive\s+-\s+0`, lines[3])
	assert.Contains(t, stdout, "acme")
	assert.Contains(t, stdout, "complete")
}

func TestScan_JSONWithDeniedOrganization(t *testing.T) {
	srv := fakeGitHub(t, nil)

	stdout, _, err := execute(t, &memStore{},
		"scan", "--org", "acme,globex", "--app", "bot-a", "--api-url", srv.URL,
		"--token", "ghp_flag", "-o", "json", "-q")
	require.NoError(t, err)

	var got report
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	require.Len(t, got.Usage, 1)
	assert.Equal(t, usage.StatusActive, got.Usage[0].Status)
	require.Len(t, got.Organizations, 2)
	assert.Equal(t, usage.OutcomeComplete, got.Organizations[0].Outcome)
	assert.Equal(t, "globex", got.Organizations[1].Organization)
	assert.Equal(t, usage.OutcomeAccessDenied, got.Organizations[1].Outcome)
}

func TestScan_RequiresOrgAndApp(t *testing.T) {
	_, _, err := execute(t, &memStore{}, "scan", "--app", "bot-a")
	assert.Error(t, err)

	_, _, err = execute(t, &memStore{}, "scan", "--org", " , ", "--app", "bot-a")
	assert.ErrorContains(t, err, "at least one --org")
}

func TestScan_RejectsUnknownStrategy(t *testing.T) {
	_, _, err := execute(t, &memStore{}, "scan", "--org", "acme", "--app", "bot-a", "--strategy", "sideways")
	assert.ErrorContains(t, err, "unknown scan strategy")
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

func TestWatch_MergesOrganizations(t *testing.T) {
	seen := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_stored", r.Header.Get("Authorization"))
		stream.SetHeaders(w.Header())
		sw := stream.NewWriter(w)
		switch r.URL.Path {
		case "/api/organizations/acme/app-usage/stream":
			_ = sw.Send(stream.ProgressEvent(usage.ScanProgress{Organization: "acme", UnitsProcessed: 1, Phase: usage.PhaseFetching}))
			_ = sw.Send(stream.CompleteEvent("acme", []usage.AppUsageInfo{
				{AppSlug: "bot-a", Status: usage.StatusActive, ActivityCount: 4, LastActivityAt: &seen},
				{AppSlug: "bot-b", Status: usage.StatusInactive},
			}))
		case "/api/organizations/globex/app-usage/stream":
			_ = sw.Send(stream.ErrorEvent("globex", "audit log access denied: 403"))
		default:
			_ = sw.Send(stream.ErrorEvent("?", "scan aborted"))
		}
	}))
	defer srv.Close()

	stdout, stderr, err := execute(t, &memStore{token: "ghp_stored"},
		"watch", "--server", srv.URL, "--org", "acme", "--org", "globex", "--org", "initech",
		"--app", "bot-a,bot-b,bot-c", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, stderr, "acme: complete")

	var got report
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))

	statuses := map[string]usage.Status{}
	for _, info := range got.Usage {
		statuses[info.AppSlug] = info.Status
	}
	assert.Equal(t, map[string]usage.Status{
		"bot-a": usage.StatusActive,
		"bot-b": usage.StatusInactive,
		"bot-c": usage.StatusUnknown,
	}, statuses)

	require.Len(t, got.Organizations, 3)
	assert.Equal(t, usage.OutcomeComplete, got.Organizations[0].Outcome)
	assert.Equal(t, usage.OutcomeAccessDenied, got.Organizations[1].Outcome)
	assert.Equal(t, usage.OutcomeFetchFailed, got.Organizations[2].Outcome)
	assert.Equal(t, "scan aborted", got.Organizations[2].Error)
}

func TestWatch_StreamsOrganizationsOneAtATime(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		org := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/organizations/"), "/")[0]
		stream.SetHeaders(w.Header())
		_ = stream.NewWriter(w).Send(stream.CompleteEvent(org, []usage.AppUsageInfo{
			{AppSlug: "bot-a", Status: usage.StatusInactive},
		}))
	}))
	defer srv.Close()

	_, _, err := execute(t, &memStore{token: "x"},
		"watch", "--server", srv.URL, "--org", "a", "--org", "b", "--org", "c",
		"--app", "bot-a", "-q", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

// ---------------------------------------------------------------------------
// auth
// ---------------------------------------------------------------------------

func TestAuth_LoginLogout(t *testing.T) {
	store := &memStore{}

	stdout, _, err := execute(t, store, "auth", "login", "--token", "  ghp_new  ")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Saved GitHub token")
	assert.Equal(t, "ghp_new", store.token)

	stdout, _, err = execute(t, store, "auth", "logout")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Removed GitHub token")

	stdout, _, err = execute(t, store, "auth", "logout")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No GitHub token stored")
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	store := defaultTokenStore()

	_, err := store.GetToken()
	assert.ErrorIs(t, err, errTokenNotFound)

	require.NoError(t, store.SetToken("ghp_kept"))
	got, err := store.GetToken()
	require.NoError(t, err)
	assert.Equal(t, "ghp_kept", got)

	require.NoError(t, store.DeleteToken())
	assert.ErrorIs(t, store.DeleteToken(), errTokenNotFound)
}

type brokenStore struct{ memStore }

func (brokenStore) GetToken() (string, error) { return "", errors.New("keychain locked") }

func TestResolveToken(t *testing.T) {
	t.Setenv(tokenEnvVar, "")
	assert.Equal(t, "flag", resolveToken(" flag ", &memStore{token: "stored"}))
	assert.Equal(t, "stored", resolveToken("", &memStore{token: "stored"}))
	assert.Equal(t, "", resolveToken("", &brokenStore{}))
	assert.Equal(t, "", resolveToken("", nil))

	t.Setenv(tokenEnvVar, "env")
	assert.Equal(t, "env", resolveToken("", &memStore{token: "stored"}))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a, b", "", "a", " c "}))
	assert.Empty(t, splitList([]string{" , "}))
}
