package model

import (
	"fmt"
	"time"
)

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// QuietHours is a daily window during which push is suppressed. A window
// with Start > End wraps past midnight. Start == End is an empty window.
type QuietHours struct {
	Start Clock
	End   Clock
}

// ParseQuietHours builds a window from two "HH:MM" strings.
func ParseQuietHours(start, end string) (*QuietHours, error) {
	s, err := ParseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return nil, err
	}
	return &QuietHours{Start: s, End: e}, nil
}

// Contains reports whether c falls inside the window.
func (q QuietHours) Contains(c Clock) bool {
	switch {
	case q.Start == q.End:
		return false
	case q.Start > q.End:
		return c >= q.Start || c < q.End
	default:
		return q.Start <= c && c < q.End
	}
}
