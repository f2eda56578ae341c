// Package window partitions a historical date range into calendar-month windows.
package window

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/filing-facts/internal/model"
)

// Plan splits [start, end] into consecutive calendar-month windows. The first
// window starts at start, every later window on the first of its month, and
// each ends on the earlier of its month's last day and end. An inverted range
// yields no windows.
func Plan(start, end time.Time) []model.Window {
	start = Day(start)
	end = Day(end)

	var windows []model.Window
	for cur := start; !cur.After(end); cur = firstOfNextMonth(cur) {
		last := lastOfMonth(cur)
		if last.After(end) {
			last = end
		}
		windows = append(windows, model.Window{Start: cur, End: last})
	}
	return windows
}

// Day truncates t to its calendar day at UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "window: parse date %q", s)
	}
	return t, nil
}

func lastOfMonth(t time.Time) time.Time {
	// Day 0 of the next month normalizes to the last day of this one.
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC)
}

func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
