package stream

import (
	"sync"

	"github.com/app-inventory/app-inventory/internal/usage"
)

// Smoother keeps progress monotonic per organization. A reconnect restarts the
// upstream scan from zero; clamping every counter to the highest value seen hides
// that from whoever renders the progress.
type Smoother struct {
	mu   sync.Mutex
	last map[string]usage.ScanProgress
}

// NewSmoother returns an empty smoother.
func NewSmoother() *Smoother {
	return &Smoother{last: make(map[string]usage.ScanProgress)}
}

// Smooth folds p into the state for p.Organization and returns the clamped snapshot.
// Once an organization has reported the complete phase it stays complete.
func (s *Smoother) Smooth(p usage.ScanProgress) usage.ScanProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[p.Organization]
	if ok {
		p.UnitsProcessed = max(p.UnitsProcessed, prev.UnitsProcessed)
		p.TotalUnits = max(p.TotalUnits, prev.TotalUnits)
		p.TotalApps = max(p.TotalApps, prev.TotalApps)
		p.EntriesProcessed = max(p.EntriesProcessed, prev.EntriesProcessed)
		p.AppsFound = max(p.AppsFound, prev.AppsFound)
		if prev.Phase == usage.PhaseComplete {
			p.Phase = usage.PhaseComplete
		}
	}
	s.last[p.Organization] = p
	return p
}

// Reset forgets org so its next scan starts from zero.
func (s *Smoother) Reset(org string) {
	s.mu.Lock()
	delete(s.last, org)
	s.mu.Unlock()
}
