// Package stream carries scan progress over server-sent events. Writer frames events
// onto an HTTP response, Reader reassembles them from an arbitrarily chunked body,
// Smoother keeps the displayed progress monotonic, and Client ties them together
// with bounded reconnects.
package stream

import "github.com/app-inventory/app-inventory/internal/usage"

// EventType discriminates the events on a progress stream.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one frame on a progress stream. Progress fields are flattened into the
// top-level JSON object alongside type.
type Event struct {
	Type EventType `json:"type"`
	usage.ScanProgress
	Usage []usage.AppUsageInfo `json:"usage,omitempty"`
	Error string               `json:"error,omitempty"`
}

// ProgressEvent wraps a progress snapshot.
func ProgressEvent(p usage.ScanProgress) Event {
	return Event{Type: EventProgress, ScanProgress: p}
}

// CompleteEvent carries org's final usage list.
func CompleteEvent(org string, result []usage.AppUsageInfo) Event {
	if result == nil {
		result = []usage.AppUsageInfo{}
	}
	return Event{
		Type:         EventComplete,
		ScanProgress: usage.ScanProgress{Organization: org, Phase: usage.PhaseComplete},
		Usage:        result,
	}
}

// ErrorEvent reports that org's scan failed.
func ErrorEvent(org, message string) Event {
	return Event{
		Type:         EventError,
		ScanProgress: usage.ScanProgress{Organization: org},
		Error:        message,
	}
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
