// Package util hosts display helpers for the admin CLI.
package util //nolint:revive // package name util is shared by display helpers

import "time"

// Placeholder is shown for unknown durations and unset timestamps.
const Placeholder = "-"

// FormatDuration formats a duration for tables: whole seconds from one second up,
// milliseconds below, Placeholder for zero or negative values.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return Placeholder
	case d < time.Second:
		return d.Truncate(time.Millisecond).String()
	default:
		return d.Truncate(time.Second).String()
	}
}

// FormatDurationPtr is FormatDuration for optional values.
func FormatDurationPtr(d *time.Duration) string {
	if d == nil {
		return Placeholder
	}
	return FormatDuration(*d)
}

// FormatTime renders t in UTC as RFC 3339, Placeholder when unset.
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return Placeholder
	}
	return t.UTC().Format(time.RFC3339)
}
