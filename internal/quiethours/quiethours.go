// Package quiethours implements the daily submission blackout window as a
// pure predicate so it can be tested without a queue or a clock.
package quiethours

import (
	"fmt"
	"time"
)

// Window is a daily time range in minutes since midnight, evaluated in the
// location of the timestamp it is asked about. Start == End means the window
// is disabled.
type Window struct {
	start int
	end   int
}

// Parse builds a window from "HH:MM" boundaries.
func Parse(start, end string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return Window{start: s, end: e}, nil
}

// MustParse is Parse for static configuration in tests.
func MustParse(start, end string) Window {
	w, err := Parse(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the blackout window. The end
// boundary is exclusive. Windows crossing midnight are supported.
func (w Window) Contains(t time.Time) bool {
	if w.start == w.end {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// UntilEnd returns the delay from t until the window closes, rounded up to
// the next whole minute boundary, or zero when t is outside the window.
func (w Window) UntilEnd(t time.Time) time.Duration {
	if !w.Contains(t) {
		return 0
	}
	end := time.Date(t.Year(), t.Month(), t.Day(), w.end/60, w.end%60, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end.Sub(t)
}
