// Package timenorm normalizes badge timestamps to a single reference timezone
// and answers the shift-aware calendar questions the classifiers depend on.
// All comparisons happen on local wall-clock time in the reference zone.
package timenorm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is the reference zone used when none is configured.
const DefaultTimezone = "Asia/Seoul"

// Shift is the work pattern of an employee-day.
type Shift string

// Shift types.
const (
	ShiftDay    Shift = "DAY"
	ShiftNight  Shift = "NIGHT"
	ShiftOffice Shift = "OFFICE"
)

// ParseShift accepts DAY, NIGHT or OFFICE in any case. Empty input yields "".
func ParseShift(s string) (Shift, error) {
	switch Shift(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case ShiftDay:
		return ShiftDay, nil
	case ShiftNight:
		return ShiftNight, nil
	case ShiftOffice:
		return ShiftOffice, nil
	default:
		return "", fmt.Errorf("unknown shift type %q", s)
	}
}

// Normalizer converts timestamps into the reference zone.
type Normalizer struct {
	loc  *time.Location
	name string
}

// New returns a Normalizer for an IANA zone name or a fixed "UTC+9" style offset.
func New(tz string) (*Normalizer, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Normalizer{loc: loc, name: tz}, nil
}

// Location returns the reference zone.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Name returns the configured zone name.
func (n *Normalizer) Name() string {
	return n.name
}

// ToUTC returns t in UTC.
func (n *Normalizer) ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// ToLocal returns t in the reference zone.
func (n *Normalizer) ToLocal(t time.Time) time.Time {
	return t.In(n.loc)
}

// Naive interprets the wall-clock fields of t as reference-zone time,
// discarding whatever location t carries.
func (n *Normalizer) Naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), n.loc)
}

var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// Parse reads an RFC 3339 timestamp, or a naive one that is taken as reference-zone time.
func (n *Normalizer) Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// DetectShift infers the shift from the first tag of a day.
func (n *Normalizer) DetectShift(firstTag time.Time) Shift {
	h := n.ToLocal(firstTag).Hour()
	switch {
	case h >= 18 || h <= 6:
		return ShiftNight
	case h > 6 && h < 18:
		return ShiftDay
	default:
		return ShiftOffice
	}
}

// WorkDate returns local midnight of the work-date t belongs to. Night-shift
// timestamps before noon belong to the previous calendar date.
func (n *Normalizer) WorkDate(t time.Time, shift Shift) time.Time {
	local := n.ToLocal(t)
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, n.loc)
	if shift == ShiftNight && local.Hour() < 12 {
		return date.AddDate(0, 0, -1)
	}
	return date
}

// Diff returns b-a. When handleMidnight is set a negative delta gets one day added.
func (n *Normalizer) Diff(a, b time.Time, handleMidnight bool) time.Duration {
	d := n.ToUTC(b).Sub(n.ToUTC(a))
	if d < 0 && handleMidnight {
		d += 24 * time.Hour
	}
	return d
}

// WorkWindow returns the reference-zone range that the given work-date covers.
func (n *Normalizer) WorkWindow(date time.Time, shift Shift) (start, end time.Time) {
	local := n.ToLocal(date)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, n.loc)
	switch shift {
	case ShiftDay:
		return day.Add(5 * time.Hour), day.Add(23 * time.Hour)
	case ShiftNight:
		return day.AddDate(0, 0, -1).Add(17 * time.Hour), day.Add(12 * time.Hour)
	default:
		return day, day.Add(24*time.Hour - time.Second)
	}
}

// IsWorkTime reports whether t falls inside the shift's working hours.
func (n *Normalizer) IsWorkTime(t time.Time, shift Shift, overtime bool) bool {
	c := ClockOf(n.ToLocal(t))
	switch shift {
	case ShiftNight:
		if overtime {
			return Window{NewClock(18, 0), NewClock(10, 0)}.Contains(c)
		}
		return Window{NewClock(20, 0), NewClock(8, 30)}.Contains(c)
	case ShiftDay:
		if overtime {
			return Window{NewClock(6, 0), NewClock(22, 0)}.Contains(c)
		}
		return Window{NewClock(8, 0), NewClock(20, 30)}.Contains(c)
	default:
		return Window{NewClock(6, 0), NewClock(22, 0)}.Contains(c)
	}
}

// FormatDuration renders minutes as "1h 30m".
func FormatDuration(minutes float64) string {
	total := int(minutes + 0.5)
	if total < 60 {
		return strconv.Itoa(total) + "m"
	}
	h, m := total/60, total%60
	if m == 0 {
		return strconv.Itoa(h) + "h"
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

// loadLocation resolves IANA names first, then "UTC", "UTC+9", "UTC-4:30".
func loadLocation(tz string) (*time.Location, error) {
	if !strings.HasPrefix(tz, "UTC") || tz == "UTC" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
		}
		return loc, nil
	}

	offset := tz[3:]
	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
	}

	hh, mm, hasMinutes := strings.Cut(offset, ":")
	if !isDigits(hh) || (hasMinutes && !isDigits(mm)) {
		return nil, fmt.Errorf("invalid UTC offset %q", tz)
	}
	hours, err := strconv.Atoi(hh)
	if err != nil || hours > 14 {
		return nil, fmt.Errorf("invalid UTC offset %q", tz)
	}
	minutes := 0
	if hasMinutes {
		if minutes, err = strconv.Atoi(mm); err != nil || minutes > 59 {
			return nil, fmt.Errorf("invalid UTC offset %q", tz)
		}
	}
	return time.FixedZone(tz, sign*(hours*3600+minutes*60)), nil
}

// isDigits reports whether s is a non-empty run of ASCII digits.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
