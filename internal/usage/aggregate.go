package usage

import (
	"math"
	"sort"
	"sync"
)

// Merge folds per-organization usage maps into one record per app:
//
//   - ActivityCount is summed (saturating)
//   - LastActivityAt is the most recent non-nil value
//   - Status resolves active > inactive > unknown
//
// Every rule is commutative and associative, so the result does not depend on the
// order organizations are visited or completed in.
func Merge(perOrg map[string]map[string]AppUsageInfo) map[string]AppUsageInfo {
	out := make(map[string]AppUsageInfo)
	for _, usage := range perOrg {
		for id, info := range usage {
			existing, ok := out[id]
			if !ok {
				info = info.clone()
				info.AppSlug = id
				if info.Status == "" {
					info.Status = StatusUnknown
				}
				out[id] = info
				continue
			}
			out[id] = mergeInfo(existing, info)
		}
	}
	return out
}

func mergeInfo(a, b AppUsageInfo) AppUsageInfo {
	merged := AppUsageInfo{AppSlug: a.AppSlug}

	merged.ActivityCount = a.ActivityCount
	if b.ActivityCount > math.MaxInt64-merged.ActivityCount {
		merged.ActivityCount = math.MaxInt64
	} else {
		merged.ActivityCount += b.ActivityCount
	}

	latest := a.LastActivityAt
	if b.LastActivityAt != nil && (latest == nil || b.LastActivityAt.After(*latest)) {
		latest = b.LastActivityAt
	}
	if latest != nil {
		t := *latest
		merged.LastActivityAt = &t
	}

	merged.Status = a.Status
	if b.Status.rank() > a.Status.rank() {
		merged.Status = b.Status
	}
	if merged.Status == "" {
		merged.Status = StatusUnknown
	}
	return merged
}

// Aggregator merges organization results as they complete. Adding an organization
// that was already added replaces its earlier contribution, which keeps re-scans
// idempotent.
type Aggregator struct {
	mu     sync.Mutex
	perOrg map[string]map[string]AppUsageInfo
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{perOrg: make(map[string]map[string]AppUsageInfo)}
}

// Add records org's usage map. The map is copied.
func (a *Aggregator) Add(org string, usage map[string]AppUsageInfo) {
	cp := make(map[string]AppUsageInfo, len(usage))
	for id, info := range usage {
		cp[id] = info.clone()
	}

	a.mu.Lock()
	a.perOrg[org] = cp
	a.mu.Unlock()
}

// Merged returns the merged view of every organization added so far.
func (a *Aggregator) Merged() map[string]AppUsageInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Merge(a.perOrg)
}

// Organizations lists the organizations added so far, sorted.
func (a *Aggregator) Organizations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	orgs := make([]string, 0, len(a.perOrg))
	for org := range a.perOrg {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs
}

// SortedUsage flattens a usage map into a slice ordered by app identifier.
func SortedUsage(usage map[string]AppUsageInfo) []AppUsageInfo {
	out := make([]AppUsageInfo, 0, len(usage))
	for _, info := range usage {
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppSlug < out[j].AppSlug })
	return out
}
