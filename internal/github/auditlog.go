package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/app-inventory/app-inventory/internal/usage"
)

// minAuditLogEnterprise is the first GitHub Enterprise Server release with the
// organization audit log REST endpoint.
var minAuditLogEnterprise = version.Must(version.NewVersion("3.3.0"))

// rawAuditEntry mirrors the fields of an audit log event the scanner cares about.
// Timestamps arrive as epoch milliseconds, either as JSON numbers or strings.
type rawAuditEntry struct {
	Actor                string          `json:"actor"`
	Action               string          `json:"action"`
	CreatedAt            json.RawMessage `json:"created_at"`
	Timestamp            json.RawMessage `json:"@timestamp"`
	Org                  json.RawMessage `json:"org"`
	Repo                 json.RawMessage `json:"repo"`
	Integration          string          `json:"integration"`
	OAuthApplicationName string          `json:"oauth_application_name"`
}

// FetchAuditLogPage reads one page of org's audit log. It implements
// usage.AuditLogReader.
func (c *Client) FetchAuditLogPage(ctx context.Context, org string, query usage.PageQuery) (*usage.AuditLogPage, error) {
	params := url.Values{}
	params.Set("include", "all")
	order := query.Order
	if order == "" {
		order = "desc"
	}
	params.Set("order", order)
	perPage := query.PageSize
	if perPage < 1 || perPage > 100 {
		perPage = 100
	}
	params.Set("per_page", strconv.Itoa(perPage))
	if query.Phrase != "" {
		params.Set("phrase", query.Phrase)
	}
	rawQuery := params.Encode()
	if query.Cursor != "" {
		rawQuery += "&after=" + usage.EncodeCursor(query.Cursor)
	}

	path := "/orgs/" + url.PathEscape(org) + "/audit-log"
	resp, err := c.get(ctx, path, rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", usage.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	if err := checkEnterpriseVersion(resp.Header); err != nil {
		return nil, fmt.Errorf("%w: %w", usage.ErrAccessDenied, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyAuditLogError(responseError(resp, "list audit log for "+org))
	}

	var raw []rawAuditEntry
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode audit log for %s: %w", usage.ErrTransientFetch, org, err)
	}

	page := &usage.AuditLogPage{
		Entries:    make([]usage.AuditLogEntry, 0, len(raw)),
		NextCursor: usage.NormalizeCursor(nextAfter(resp.Header)),
	}
	for _, r := range raw {
		page.Entries = append(page.Entries, r.toEntry(org))
	}
	return page, nil
}

// classifyAuditLogError maps an API error onto the scanner's failure taxonomy.
func classifyAuditLogError(apiErr *APIError) error {
	switch {
	case errors.Is(apiErr, ErrRateLimited), errors.Is(apiErr, ErrUpstream):
		return fmt.Errorf("%w: %w", usage.ErrTransientFetch, apiErr)
	case errors.Is(apiErr, ErrUnauthorized), errors.Is(apiErr, ErrForbidden), errors.Is(apiErr, ErrNotFound):
		return fmt.Errorf("%w: %w", usage.ErrAccessDenied, apiErr)
	case apiErr.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", usage.ErrTransientFetch, apiErr)
	default:
		return apiErr
	}
}

// checkEnterpriseVersion rejects GitHub Enterprise Server releases without the audit
// log endpoint. github.com responses carry no version header and always pass.
func checkEnterpriseVersion(h http.Header) error {
	raw := strings.TrimSpace(h.Get("X-GitHub-Enterprise-Version"))
	if raw == "" {
		return nil
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return nil
	}
	if v.LessThan(minAuditLogEnterprise) {
		return fmt.Errorf("%w (server reports %s)", ErrAuditLogUnsupported, raw)
	}
	return nil
}

func (r rawAuditEntry) toEntry(org string) usage.AuditLogEntry {
	entry := usage.AuditLogEntry{
		Actor:        r.Actor,
		Action:       r.Action,
		Organization: firstString(r.Org),
		Repository:   firstString(r.Repo),
	}
	if entry.Organization == "" {
		entry.Organization = org
	}

	entry.ApplicationName = r.Integration
	if entry.ApplicationName == "" {
		entry.ApplicationName = r.OAuthApplicationName
	}

	if ms, ok := parseMillis(r.CreatedAt); ok {
		entry.Timestamp = ms
	} else if ms, ok := parseMillis(r.Timestamp); ok {
		entry.Timestamp = ms
	} else {
		entry.Malformed = true
	}
	return entry
}

// parseMillis reads an epoch-millisecond timestamp given as a JSON number, a numeric
// string or an RFC 3339 string.
func parseMillis(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	} else {
		s = string(raw)
	}
	if s == "" {
		return 0, false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, n > 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		n := int64(f)
		return n, n > 0
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli(), true
	}
	return 0, false
}

// firstString accepts a JSON string or an array of strings.
func firstString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
