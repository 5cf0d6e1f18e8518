package usage

import (
	"math"
	"time"
)

type appState struct {
	info    AppUsageInfo
	checked bool
}

// Accumulator holds the per-app usage state of one organization scan. It is owned by
// a single scan and is not safe for concurrent use.
type Accumulator struct {
	order []string
	apps  map[string]*appState
}

// NewAccumulator starts every app in appIDs as unknown with no activity. Empty and
// duplicate identifiers are ignored; the first occurrence fixes the order.
func NewAccumulator(appIDs []string) *Accumulator {
	a := &Accumulator{apps: make(map[string]*appState, len(appIDs))}
	for _, id := range appIDs {
		if id == "" {
			continue
		}
		if _, seen := a.apps[id]; seen {
			continue
		}
		a.order = append(a.order, id)
		a.apps[id] = &appState{info: AppUsageInfo{AppSlug: id, Status: StatusUnknown}}
	}
	return a
}

// AppIDs returns the tracked app identifiers in input order.
func (a *Accumulator) AppIDs() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// RecordMatch counts one matching entry for appID. The stored last activity only
// moves forward, so entries may arrive in any order. It reports false for apps that
// are not tracked.
func (a *Accumulator) RecordMatch(appID string, ts time.Time) bool {
	st, ok := a.apps[appID]
	if !ok {
		return false
	}
	if st.info.ActivityCount < math.MaxInt64 {
		st.info.ActivityCount++
	}
	if st.info.LastActivityAt == nil || ts.After(*st.info.LastActivityAt) {
		t := ts
		st.info.LastActivityAt = &t
	}
	return true
}

// MarkChecked records that appID's audit trail was fully examined, so an absence of
// matches is evidence of inactivity rather than a gap in coverage.
func (a *Accumulator) MarkChecked(appID string) {
	if st, ok := a.apps[appID]; ok {
		st.checked = true
	}
}

// MarkAllChecked marks every tracked app as checked.
func (a *Accumulator) MarkAllChecked() {
	for _, st := range a.apps {
		st.checked = true
	}
}

// MatchedApps returns how many apps have at least one recorded match.
func (a *Accumulator) MatchedApps() int {
	n := 0
	for _, st := range a.apps {
		if st.info.ActivityCount > 0 {
			n++
		}
	}
	return n
}

// Finalize computes every app's status against the inactivity threshold:
//
//   - with activity: active when the last activity is at or after now-threshold,
//     inactive otherwise
//   - no activity but checked: inactive
//   - no activity and never checked: unknown
func (a *Accumulator) Finalize(now time.Time, threshold time.Duration) {
	cutoff := now.Add(-threshold)
	for _, st := range a.apps {
		switch {
		case st.info.ActivityCount > 0 && st.info.LastActivityAt != nil:
			if st.info.LastActivityAt.Before(cutoff) {
				st.info.Status = StatusInactive
			} else {
				st.info.Status = StatusActive
			}
		case st.checked:
			st.info.Status = StatusInactive
		default:
			st.info.Status = StatusUnknown
		}
	}
}

// Snapshot returns a deep copy of the current state keyed by app identifier.
func (a *Accumulator) Snapshot() map[string]AppUsageInfo {
	out := make(map[string]AppUsageInfo, len(a.apps))
	for id, st := range a.apps {
		out[id] = st.info.clone()
	}
	return out
}

// unknownUsage builds the result for an organization whose audit log could not be read.
func unknownUsage(appIDs []string) map[string]AppUsageInfo {
	return NewAccumulator(appIDs).Snapshot()
}
