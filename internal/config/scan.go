package config

import (
	"github.com/app-inventory/app-inventory/internal/retry"
	"github.com/app-inventory/app-inventory/internal/usage"
)

// ScanOptions converts the usage section into scanner options. The strategy must
// already have passed Validate.
func (u *UsageConfig) ScanOptions() (usage.Options, error) {
	strategy, err := usage.ParseStrategy(u.Strategy)
	if err != nil {
		return usage.Options{}, err
	}
	opts := usage.DefaultOptions()
	opts.Strategy = strategy
	if u.PageSize > 0 {
		opts.PageSize = u.PageSize
	}
	if u.MaxEntries > 0 {
		opts.MaxEntries = u.MaxEntries
	}
	if u.StalePageLimit > 0 {
		opts.StalePageLimit = u.StalePageLimit
	}
	if u.PageTimeout > 0 {
		opts.PageTimeout = u.PageTimeout
	}
	if u.Retry.MaxAttempts > 0 {
		opts.Retry = retry.Config{
			MaxAttempts: u.Retry.MaxAttempts,
			BaseDelay:   u.Retry.BaseDelay,
			MaxDelay:    u.Retry.MaxDelay,
		}
	}
	return opts, nil
}
