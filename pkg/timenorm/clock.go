package timenorm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day as minutes since local midnight (0-1439).
type Clock int

// NewClock builds a Clock from an hour and minute.
func NewClock(hour, minute int) Clock {
	return Clock(((hour*60+minute)%1440 + 1440) % 1440)
}

// ClockOf returns the wall-clock time of t in t's own location.
func ClockOf(t time.Time) Clock {
	return NewClock(t.Hour(), t.Minute())
}

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return NewClock(h, m), nil
}

// Hour returns the fractional hour (e.g. 12.5 for 12:30).
func (c Clock) Hour() float64 {
	return float64(c) / 60
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Window is an inclusive wall-clock range. End before Start wraps past midnight.
type Window struct {
	Start Clock
	End   Clock
}

// Contains reports whether c lies inside the window, bounds included.
func (w Window) Contains(c Clock) bool {
	if w.Start <= w.End {
		return c >= w.Start && c <= w.End
	}
	return c >= w.Start || c <= w.End
}

// Minutes returns the window length, wrapping midnight.
func (w Window) Minutes() int {
	if w.End >= w.Start {
		return int(w.End - w.Start)
	}
	return int(w.End) + 1440 - int(w.Start)
}

// Offset returns how far c is into the window, in minutes from Start.
func (w Window) Offset(c Clock) int {
	d := int(c) - int(w.Start)
	if d < 0 {
		d += 1440
	}
	return d
}

// Distance returns the minutes from c to the nearest window bound, 0 inside.
func (w Window) Distance(c Clock) int {
	if w.Contains(c) {
		return 0
	}
	return min(circular(c, w.Start), circular(c, w.End))
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

func circular(a, b Clock) int {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return min(d, 1440-d)
}
