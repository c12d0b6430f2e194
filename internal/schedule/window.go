// Package schedule decides whether the sync loop may run at a given moment.
package schedule

import (
	"fmt"
	"time"
)

// Window is a daily time window in minutes since midnight. Equal bounds
// mean the window is always open; start after end wraps past midnight.
type Window struct {
	start int
	end   int
}

// ParseWindow builds a Window from two "HH:MM" bounds (24-hour clock).
func ParseWindow(start, end string) (Window, error) {
	s, err := parseMinutes(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := parseMinutes(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	return Window{start: s, end: e}, nil
}

func parseMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// AlwaysOpen reports whether the window admits every moment.
func (w Window) AlwaysOpen() bool {
	return w.start == w.end
}

// Contains reports whether t falls inside the window. The start bound is
// inclusive, the end bound exclusive; a window whose start is after its
// end wraps past midnight.
func (w Window) Contains(t time.Time) bool {
	if w.AlwaysOpen() {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

func (w Window) String() string {
	if w.AlwaysOpen() {
		return "always open"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.start/60, w.start%60, w.end/60, w.end%60)
}
