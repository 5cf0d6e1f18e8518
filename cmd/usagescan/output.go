package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/app-inventory/app-inventory/internal/usage"
)

// orgSummary is one organization line under the usage table.
type orgSummary struct {
	Organization    string        `json:"org"`
	Outcome         usage.Outcome `json:"outcome"`
	Error           string        `json:"error,omitempty"`
	PagesFetched    int           `json:"pagesFetched,omitempty"`
	EntriesExamined int           `json:"entriesExamined,omitempty"`
}

type report struct {
	InactiveDays  int                  `json:"inactiveDays"`
	Usage         []usage.AppUsageInfo `json:"usage"`
	Organizations []orgSummary         `json:"organizations"`
}

func printReportJSON(w io.Writer, r report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func printReportTable(w io.Writer, r report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)

	fmt.Fprintln(tw, "APP\tSTATUS\tLAST ACTIVITY\tEVENTS")
	fmt.Fprintln(tw, "---\t------\t-------------\t------")
	for _, info := range r.Usage {
		last := "-"
		if info.LastActivityAt != nil {
			last = info.LastActivityAt.UTC().Format("2006-01-02 15:04 UTC")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", info.AppSlug, info.Status, last, info.ActivityCount)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "ORGANIZATION\tOUTCOME\tPAGES\tENTRIES")
	fmt.Fprintln(tw, "------------\t-------\t-----\t-------")
	for _, org := range r.Organizations {
		outcome := string(org.Outcome)
		if org.Error != "" {
			outcome += " (" + org.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", org.Organization, outcome, org.PagesFetched, org.EntriesExamined)
	}
	return tw.Flush()
}

func printReport(w io.Writer, format string, r report) error {
	switch strings.ToLower(format) {
	case "json":
		return printReportJSON(w, r)
	case "", "table":
		return printReportTable(w, r)
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", format)
	}
}

// progressPrinter writes one line per progress snapshot. It is safe to share
// between concurrent organization scans.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Report(s usage.ScanProgress) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", s.Organization, s.Phase)
	if s.TotalUnits > 0 {
		fmt.Fprintf(&b, " %d/%d", s.UnitsProcessed, s.TotalUnits)
	} else if s.UnitsProcessed > 0 {
		fmt.Fprintf(&b, " page %d", s.UnitsProcessed)
	}
	if s.EntriesProcessed > 0 {
		fmt.Fprintf(&b, ", %d entries", s.EntriesProcessed)
	}
	if s.AppsFound > 0 {
		fmt.Fprintf(&b, ", %d apps seen", s.AppsFound)
	}
	if s.Message != "" {
		fmt.Fprintf(&b, " (%s)", s.Message)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, b.String())
}

func splitList(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}
