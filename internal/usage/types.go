// Package usage infers whether installed GitHub Apps are still in use by scanning an
// organization's audit log and correlating entries with app identities.
//
// The pieces fit together leaf-first:
//
//   - AuditLogReader fetches one page of an organization's audit log.
//   - MatchActor / MatchEntry decide whether an entry belongs to an app.
//   - Accumulator folds matches into per-app AppUsageInfo records.
//   - Scanner drives the fetch loop for one or many organizations and emits
//     ScanProgress snapshots through a Reporter.
//   - Merge / Aggregator combine per-organization results into one verdict per app.
package usage

import (
	"context"
	"time"
)

// Status is the tri-state verdict for an app.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)

// rank orders statuses for merging: active > inactive > unknown.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 2
	case StatusInactive:
		return 1
	default:
		return 0
	}
}

// AuditLogEntry is one audit trail event after timestamp normalization.
type AuditLogEntry struct {
	Actor  string
	Action string
	// Timestamp is epoch milliseconds. Readers fill it from whichever upstream field
	// is present so downstream code never has to pick between them.
	Timestamp       int64
	Organization    string
	Repository      string
	ApplicationName string
	// Malformed is set when the entry carried no usable timestamp.
	Malformed bool
}

// Time returns the entry timestamp as a UTC time.
func (e AuditLogEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// AppUsageInfo is the usage verdict for a single app.
type AppUsageInfo struct {
	AppSlug        string     `json:"appSlug"`
	LastActivityAt *time.Time `json:"lastActivityAt"`
	ActivityCount  int64      `json:"activityCount"`
	Status         Status     `json:"status"`
}

func (u AppUsageInfo) clone() AppUsageInfo {
	if u.LastActivityAt != nil {
		t := *u.LastActivityAt
		u.LastActivityAt = &t
	}
	return u
}

// Phase tags a progress snapshot.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhaseComplete   Phase = "complete"
	PhaseAborted    Phase = "aborted"
)

// ScanProgress is a transient snapshot of how far a scan has advanced. It is purely
// informational; nothing depends on it for correctness.
type ScanProgress struct {
	Organization     string `json:"org"`
	UnitsProcessed   int    `json:"unitsProcessed,omitempty"`
	TotalUnits       int    `json:"totalUnits,omitempty"`
	TotalApps        int    `json:"totalApps,omitempty"`
	EntriesProcessed int    `json:"entriesProcessed,omitempty"`
	AppsFound        int    `json:"appsFound,omitempty"`
	Phase            Phase  `json:"currentPhase,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Reporter receives progress snapshots. Report is called synchronously from the scan
// loop; the scan does not continue until it returns.
type Reporter interface {
	Report(ScanProgress)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(ScanProgress)

// Report calls f. A nil ReporterFunc discards the snapshot.
func (f ReporterFunc) Report(p ScanProgress) {
	if f != nil {
		f(p)
	}
}

// PageQuery selects one page of an audit log listing.
type PageQuery struct {
	// Cursor resumes a listing; empty starts from the newest entry.
	Cursor   Cursor
	PageSize int
	// Phrase is an upstream search phrase such as "actor:dependabot[bot]". Cursors
	// from a filtered listing are not valid for an unfiltered one and vice versa.
	Phrase string
	// Order is "desc" (newest first) or "asc".
	Order string
}

// AuditLogPage is one page of entries plus the cursor for the next page.
type AuditLogPage struct {
	Entries []AuditLogEntry
	// NextCursor is empty when the listing has no further pages.
	NextCursor Cursor
}

// AuditLogReader fetches audit log pages for an organization.
//
// Implementations return errors wrapping ErrAccessDenied when credentials lack
// audit-log scope and ErrTransientFetch for network or rate-limit failures.
type AuditLogReader interface {
	FetchAuditLogPage(ctx context.Context, org string, query PageQuery) (*AuditLogPage, error)
}
