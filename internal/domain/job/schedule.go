package job

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@hourly" or "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// DueBetween reports whether sched has an occurrence in (after, until] and returns the
// latest such occurrence. Missed occurrences collapse into one.
func DueBetween(sched cronlib.Schedule, after, until time.Time) (time.Time, bool) {
	next := sched.Next(after)
	if next.IsZero() || next.After(until) {
		return time.Time{}, false
	}
	last := next
	for range maxCatchUp {
		n := sched.Next(last)
		if n.IsZero() || n.After(until) || !n.After(last) {
			break
		}
		last = n
	}
	return last, true
}

// maxCatchUp bounds the occurrences walked when a cursor lags far behind.
const maxCatchUp = 100000
