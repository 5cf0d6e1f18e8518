package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/app-inventory/app-inventory/internal/retry"
	"github.com/app-inventory/app-inventory/internal/telemetry"
)

// Strategy selects how an organization's audit log is searched.
type Strategy string

const (
	// StrategyBulk pages through the unfiltered log newest-first and matches every
	// entry against every app. One pass serves all apps.
	StrategyBulk Strategy = "bulk"
	// StrategyPerApp issues one filtered, single-entry query per app. The activity
	// count it produces is a 0/1 presence flag.
	StrategyPerApp Strategy = "per_app"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBulk, "":
		return StrategyBulk, nil
	case StrategyPerApp:
		return StrategyPerApp, nil
	default:
		return "", fmt.Errorf("unknown scan strategy %q (want %q or %q)", s, StrategyBulk, StrategyPerApp)
	}
}

// DefaultInactiveThreshold is used when a scan is started without a threshold.
const DefaultInactiveThreshold = 90 * 24 * time.Hour

// Outcome summarizes how an organization scan ended.
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeAccessDenied Outcome = "access_denied"
	OutcomeFetchFailed  Outcome = "fetch_failed"
)

// Options tunes a Scanner. Zero fields fall back to DefaultOptions.
type Options struct {
	Strategy Strategy
	PageSize int
	// MaxEntries caps how many bulk entries are examined per organization.
	MaxEntries int
	// StalePageLimit is the number of consecutive bulk pages without an entry newer
	// than the inactivity cutoff after which the scan stops.
	StalePageLimit int
	// PageTimeout bounds a single page fetch. A page that times out is a transient
	// failure and is retried.
	PageTimeout time.Duration
	Retry       retry.Config
	Now         func() time.Time
}

// DefaultOptions returns the bulk strategy with its standard stopping heuristic.
func DefaultOptions() Options {
	return Options{
		Strategy:       StrategyBulk,
		PageSize:       100,
		MaxEntries:     10000,
		StalePageLimit: 3,
		PageTimeout:    30 * time.Second,
		Retry:          retry.DefaultConfig(),
		Now:            time.Now,
	}
}

// OrgResult is the outcome of scanning one organization.
type OrgResult struct {
	Organization string                  `json:"org"`
	Strategy     Strategy                `json:"strategy"`
	Outcome      Outcome                 `json:"outcome"`
	Usage        map[string]AppUsageInfo `json:"usage"`
	// Err is the fetch error that ended the scan early, if any.
	Err             error  `json:"-"`
	Error           string `json:"error,omitempty"`
	PagesFetched    int    `json:"pagesFetched"`
	EntriesExamined int    `json:"entriesExamined"`
	SkippedEntries  int    `json:"skippedEntries"`
}

// Result is the outcome of a multi-organization scan.
type Result struct {
	Organizations []*OrgResult
	// Usage is the cross-organization merge of every OrgResult.
	Usage map[string]AppUsageInfo
}

// Scanner drives audit log scans against an AuditLogReader.
type Scanner struct {
	reader AuditLogReader
	opts   Options
}

// NewScanner returns a Scanner reading through reader.
func NewScanner(reader AuditLogReader, opts Options) *Scanner {
	def := DefaultOptions()
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.StalePageLimit <= 0 {
		opts.StalePageLimit = def.StalePageLimit
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Scanner{reader: reader, opts: opts}
}

// Strategy returns the configured scan strategy.
func (s *Scanner) Strategy() Strategy { return s.opts.Strategy }

// ScanOrganization scans one organization's audit log for activity by appIDs.
//
// Fetch failures never surface as an error: access denial leaves every app unknown,
// and exhausted retries keep the verdicts established so far while the rest stay
// unknown. Both are reported through OrgResult.Outcome. The only error returned is
// ErrCancelled, in which case no result is produced.
func (s *Scanner) ScanOrganization(ctx context.Context, org string, appIDs []string, threshold time.Duration, reporter Reporter) (*OrgResult, error) {
	if threshold <= 0 {
		threshold = DefaultInactiveThreshold
	}
	if reporter == nil {
		reporter = ReporterFunc(nil)
	}

	sc := &orgScan{
		scanner:   s,
		org:       org,
		acc:       NewAccumulator(appIDs),
		now:       s.opts.Now(),
		threshold: threshold,
		reporter:  reporter,
		log: slog.With(
			"scan_id", uuid.NewString(),
			"org", org,
			"strategy", string(s.opts.Strategy),
		),
	}
	return sc.run(ctx)
}

// ScanOrganizations scans each organization in turn and merges the results. A failure
// in one organization is recorded in its OrgResult and does not stop the others.
// Cancellation stops the whole run and returns ErrCancelled.
func (s *Scanner) ScanOrganizations(ctx context.Context, orgs, appIDs []string, threshold time.Duration, reporter Reporter) (*Result, error) {
	agg := NewAggregator()
	res := &Result{}
	for _, org := range orgs {
		orgRes, err := s.ScanOrganization(ctx, org, appIDs, threshold, reporter)
		if err != nil {
			return nil, err
		}
		agg.Add(org, orgRes.Usage)
		res.Organizations = append(res.Organizations, orgRes)
	}
	res.Usage = agg.Merged()
	return res, nil
}

// State is the lifecycle position of an organization scan.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateAborted    State = "aborted"
)

type orgScan struct {
	scanner   *Scanner
	org       string
	acc       *Accumulator
	now       time.Time
	threshold time.Duration
	reporter  Reporter
	log       *slog.Logger

	state      State
	pages      int
	examined   int
	skipped    int
	totalUnits int
	units      int
}

func (sc *orgScan) transition(to State) {
	sc.log.Debug("scan state", "from", string(sc.state), "to", string(to))
	sc.state = to
}

func (sc *orgScan) run(ctx context.Context) (*OrgResult, error) {
	opts := sc.scanner.opts
	start := time.Now()
	sc.state = StateIdle
	sc.log.Info("scan started", "apps", len(sc.acc.AppIDs()))

	perApp := opts.Strategy == StrategyPerApp
	if perApp {
		sc.totalUnits = len(sc.acc.AppIDs())
	} else {
		sc.totalUnits = (opts.MaxEntries + opts.PageSize - 1) / opts.PageSize
	}
	sc.report(PhaseFetching, fmt.Sprintf("Fetching audit log for %s...", sc.org))

	var err error
	if perApp {
		err = sc.runPerApp(ctx)
	} else {
		err = sc.runBulk(ctx)
	}

	res := &OrgResult{
		Organization:    sc.org,
		Strategy:        opts.Strategy,
		PagesFetched:    sc.pages,
		EntriesExamined: sc.examined,
		SkippedEntries:  sc.skipped,
	}

	switch {
	case errors.Is(err, ErrCancelled):
		sc.transition(StateAborted)
		sc.report(PhaseAborted, "scan cancelled")
		sc.observe(start, "cancelled")
		sc.log.Info("scan cancelled", "pages", sc.pages)
		return nil, err
	case errors.Is(err, ErrAccessDenied):
		res.Outcome = OutcomeAccessDenied
		res.Usage = unknownUsage(sc.acc.AppIDs())
		sc.log.Warn("audit log access denied", "error", err)
	case err != nil:
		res.Outcome = OutcomeFetchFailed
		sc.acc.Finalize(sc.now, sc.threshold)
		res.Usage = sc.acc.Snapshot()
		sc.log.Error("audit log fetch failed, remaining apps left unknown", "error", err, "pages", sc.pages)
	default:
		res.Outcome = OutcomeComplete
		sc.acc.Finalize(sc.now, sc.threshold)
		res.Usage = sc.acc.Snapshot()
	}
	if err != nil {
		res.Err = err
		res.Error = err.Error()
	}

	sc.transition(StateComplete)
	sc.units = sc.totalUnits
	sc.report(PhaseComplete, completeMessage(res))
	sc.observe(start, string(res.Outcome))
	sc.log.Info("scan finished",
		"outcome", string(res.Outcome),
		"pages", sc.pages,
		"entries", sc.examined,
		"skipped", sc.skipped,
		"apps_found", sc.acc.MatchedApps(),
		"duration", time.Since(start),
	)
	return res, nil
}

// completeMessage summarizes a finished organization scan for progress reporting.
func completeMessage(res *OrgResult) string {
	active := 0
	for _, info := range res.Usage {
		if info.Status == StatusActive {
			active++
		}
	}
	switch res.Outcome {
	case OutcomeAccessDenied:
		return fmt.Sprintf("Audit log access denied; %d apps left unknown.", len(res.Usage))
	case OutcomeFetchFailed:
		return fmt.Sprintf("Stopped early after %d pages. %d active apps out of %d checked.", res.PagesFetched, active, len(res.Usage))
	default:
		return fmt.Sprintf("Complete! %d active apps out of %d checked.", active, len(res.Usage))
	}
}

func (sc *orgScan) observe(start time.Time, outcome string) {
	strategy := string(sc.scanner.opts.Strategy)
	telemetry.ScansTotal.WithLabelValues(strategy, outcome).Inc()
	telemetry.ScanDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
}

func (sc *orgScan) runBulk(ctx context.Context) error {
	opts := sc.scanner.opts
	apps := sc.acc.AppIDs()
	if len(apps) == 0 {
		return nil
	}
	cutoff := sc.now.Add(-sc.threshold).UnixMilli()

	var cursor Cursor
	stale := 0
	for {
		page, err := sc.fetch(ctx, PageQuery{Cursor: cursor, PageSize: opts.PageSize, Order: "desc"})
		if err != nil {
			return err
		}

		sc.transition(StateProcessing)
		fresh := false
		for _, entry := range page.Entries {
			if sc.examined >= opts.MaxEntries {
				break
			}
			sc.examined++
			if entry.Malformed {
				sc.skip()
				continue
			}
			if entry.Timestamp >= cutoff {
				fresh = true
			}
			for _, app := range apps {
				if MatchEntry(entry, app) {
					sc.acc.RecordMatch(app, entry.Time())
				}
			}
		}
		sc.units = sc.pages
		if sc.units > sc.totalUnits {
			sc.totalUnits = sc.units
		}
		sc.report(PhaseProcessing, fmt.Sprintf("Processed page %d (%d entries examined)", sc.pages, sc.examined))

		if len(page.Entries) == 0 || page.NextCursor == "" {
			break
		}
		if sc.examined >= opts.MaxEntries {
			sc.log.Debug("entry cap reached", "entries", sc.examined)
			break
		}
		if fresh {
			stale = 0
		} else {
			stale++
			if stale >= opts.StalePageLimit {
				sc.log.Debug("stopping after consecutive stale pages", "stale_pages", stale)
				break
			}
		}
		cursor = page.NextCursor
	}

	sc.acc.MarkAllChecked()
	return nil
}

func (sc *orgScan) runPerApp(ctx context.Context) error {
	apps := sc.acc.AppIDs()
	for i, app := range apps {
		sc.report(PhaseFetching, fmt.Sprintf("Checking %s (%d/%d)...", app, i+1, len(apps)))
		page, err := sc.fetch(ctx, PageQuery{
			PageSize: 1,
			Phrase:   "actor:" + app + botSuffix,
			Order:    "desc",
		})
		if err != nil {
			return err
		}

		sc.transition(StateProcessing)
		found := false
		for _, entry := range page.Entries {
			sc.examined++
			if entry.Malformed {
				sc.skip()
				continue
			}
			sc.acc.RecordMatch(app, entry.Time())
			found = true
			break
		}
		// An app whose only entry had no timestamp is left unchecked so it stays
		// unknown rather than being reported inactive.
		if found || len(page.Entries) == 0 {
			sc.acc.MarkChecked(app)
		}

		sc.units = i + 1
		sc.report(PhaseProcessing, fmt.Sprintf("Checked %s (%d/%d)", app, i+1, len(apps)))
	}
	return nil
}

// fetch reads one page with per-page timeout and bounded retries.
func (sc *orgScan) fetch(ctx context.Context, query PageQuery) (*AuditLogPage, error) {
	opts := sc.scanner.opts
	if ctx.Err() != nil {
		return nil, fmt.Errorf("scan %s: %w", sc.org, ErrCancelled)
	}
	sc.transition(StateFetching)

	var page *AuditLogPage
	err := retry.Do(ctx, opts.Retry, IsTransient, func(attempt int) error {
		if attempt > 1 {
			telemetry.AuditLogFetchRetriesTotal.Inc()
			sc.log.Debug("retrying audit log page", "attempt", attempt)
		}

		pageCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.PageTimeout > 0 {
			pageCtx, cancel = context.WithTimeout(ctx, opts.PageTimeout)
		}
		defer cancel()

		p, err := sc.scanner.reader.FetchAuditLogPage(pageCtx, sc.org, query)
		if err != nil {
			if ctx.Err() == nil && errors.Is(pageCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: page fetch exceeded %s", ErrTransientFetch, opts.PageTimeout)
			}
			return err
		}
		if p == nil {
			p = &AuditLogPage{}
		}
		page = p
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("scan %s: %w", sc.org, ErrCancelled)
		}
		return nil, err
	}

	sc.pages++
	telemetry.AuditLogPagesFetchedTotal.Inc()
	return page, nil
}

func (sc *orgScan) skip() {
	sc.skipped++
	telemetry.AuditLogMalformedEntriesTotal.Inc()
}

func (sc *orgScan) report(phase Phase, msg string) {
	sc.reporter.Report(ScanProgress{
		Organization:     sc.org,
		UnitsProcessed:   sc.units,
		TotalUnits:       sc.totalUnits,
		TotalApps:        len(sc.acc.order),
		EntriesProcessed: sc.examined,
		AppsFound:        sc.acc.MatchedApps(),
		Phase:            phase,
		Message:          msg,
	})
}
