// errors.go defines the failure taxonomy shared by audit log readers and the scan driver.
package usage

import "errors"

var (
	// ErrAccessDenied means the credentials cannot read the organization's audit log.
	// It is never retried; the organization's apps stay unknown.
	ErrAccessDenied = errors.New("audit log access denied")

	// ErrTransientFetch covers network failures, timeouts and rate limiting. The
	// scanner retries it a bounded number of times per page.
	ErrTransientFetch = errors.New("transient audit log fetch failure")

	// ErrMalformedEntry marks a log entry without a usable timestamp. Such entries
	// are skipped and counted, never fatal.
	ErrMalformedEntry = errors.New("malformed audit log entry")

	// ErrCancelled is returned when the caller aborts a scan. Partial state is
	// discarded so it cannot be mistaken for a complete result.
	ErrCancelled = errors.New("scan cancelled")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch)
}
