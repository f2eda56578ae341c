package model

import (
	"time"
)

// DateLayout is the calendar date layout used for windows, filing dates and
// the persisted dataset.
const DateLayout = "2006-01-02"

// Window is an inclusive range of calendar days queried together.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Key returns the stable identifier used by the progress ledger and scratch
// directories, e.g. "2020-01-15..2020-01-31".
func (w Window) Key() string {
	return w.Start.Format(DateLayout) + ".." + w.End.Format(DateLayout)
}

// String implements fmt.Stringer.
func (w Window) String() string {
	return w.Key()
}

// Days returns the number of calendar days covered by the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// WindowStatus is the terminal state recorded for a processed window.
type WindowStatus string

const (
	WindowStatusComplete WindowStatus = "complete" // rows persisted (possibly zero after merge)
	WindowStatusEmpty    WindowStatus = "empty"    // no candidate sections found
)
