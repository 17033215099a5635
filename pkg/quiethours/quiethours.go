// Package quiethours evaluates local-time do-not-disturb windows.
//
// A window is a pair of HH:MM clock times. When start is after end the
// window wraps midnight (23:00-08:00 covers late evening and early morning).
// Comparison is done at minute granularity.
package quiethours

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var hhmmPattern = regexp.MustCompile(`^(\d{2}):(\d{2})$`)

// Window is a parsed quiet-hours window expressed in minutes after midnight.
type Window struct {
	start int
	end   int
	valid bool
}

// ParseClock parses an "HH:MM" string into minutes after midnight.
func ParseClock(s string) (int, error) {
	m := hhmmPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	if h > 23 || mi > 59 {
		return 0, fmt.Errorf("invalid clock time %q: out of range", s)
	}
	return h*60 + mi, nil
}

// Parse builds a Window from start and end clock strings.
func Parse(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return Window{start: s, end: e, valid: true}, nil
}

// MustParse is Parse for constant inputs; it panics on malformed clocks.
func MustParse(start, end string) Window {
	w, err := Parse(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

// Contains reports whether t (in its own location) falls inside the window.
// The zero Window and windows with start == end are never quiet.
func (w Window) Contains(t time.Time) bool {
	if !w.valid || w.start == w.end {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return w.start <= cur && cur < w.end
	}
	return cur >= w.start || cur < w.end
}

// String renders the window as "HH:MM-HH:MM".
func (w Window) String() string {
	if !w.valid {
		return "none"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.start/60, w.start%60, w.end/60, w.end%60)
}
