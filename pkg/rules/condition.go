package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Context is the runtime situation a rule condition is evaluated against.
type Context struct {
	Time     time.Time // reference-zone local time
	Location string
	Code     string // tag code
	Shift    string
	Dwell    float64 // minutes since the previous tag
}

// Condition is one clause of a TransitionRule: TimeWindow, LocationPattern,
// MinDwell, TagCodeIs or DayOfWeek.
type Condition interface {
	// Kind returns the wire type name.
	Kind() string
	validate() error
}

// TimeWindow holds when the local time of day is inside [Start, End], wrapping midnight.
type TimeWindow struct {
	Start timenorm.Clock
	End   timenorm.Clock
}

// LocationPattern holds when Pattern occurs in the location, case-insensitively.
type LocationPattern struct {
	Pattern string
}

// MinDwell holds when the dwell reaches Minutes.
type MinDwell struct {
	Minutes float64
}

// TagCodeIs holds when the tag code equals Code.
type TagCodeIs struct {
	Code string
}

// DayOfWeek holds on one weekday.
type DayOfWeek struct {
	Day time.Weekday
}

// Kind implements Condition.
func (TimeWindow) Kind() string { return "time" }

// Kind implements Condition.
func (LocationPattern) Kind() string { return "location" }

// Kind implements Condition.
func (MinDwell) Kind() string { return "duration" }

// Kind implements Condition.
func (TagCodeIs) Kind() string { return "tag_code" }

// Kind implements Condition.
func (DayOfWeek) Kind() string { return "day_of_week" }

func (c TimeWindow) validate() error {
	if c.Start < 0 || c.Start >= 1440 || c.End < 0 || c.End >= 1440 {
		return fmt.Errorf("time window %s out of range", c.Window())
	}
	return nil
}

func (c LocationPattern) validate() error {
	if strings.TrimSpace(c.Pattern) == "" {
		return errors.New("location pattern is empty")
	}
	return nil
}

func (c MinDwell) validate() error {
	if c.Minutes < 0 {
		return fmt.Errorf("minimum dwell %v must not be negative", c.Minutes)
	}
	return nil
}

func (c TagCodeIs) validate() error {
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("tag code is empty")
	}
	return nil
}

func (c DayOfWeek) validate() error {
	if c.Day < time.Sunday || c.Day > time.Saturday {
		return fmt.Errorf("invalid weekday %d", c.Day)
	}
	return nil
}

// Window returns the condition as a timenorm.Window.
func (c TimeWindow) Window() timenorm.Window {
	return timenorm.Window{Start: c.Start, End: c.End}
}

// Matches evaluates one condition. A zero context field never satisfies the
// condition that needs it.
func Matches(c Condition, ctx Context) bool {
	switch c := c.(type) {
	case TimeWindow:
		if ctx.Time.IsZero() {
			return false
		}
		return c.Window().Contains(timenorm.ClockOf(ctx.Time))
	case LocationPattern:
		if ctx.Location == "" {
			return false
		}
		return strings.Contains(strings.ToUpper(ctx.Location), strings.ToUpper(c.Pattern))
	case MinDwell:
		return ctx.Dwell >= c.Minutes
	case TagCodeIs:
		return ctx.Code != "" && ctx.Code == c.Code
	case DayOfWeek:
		if ctx.Time.IsZero() {
			return false
		}
		return ctx.Time.Weekday() == c.Day
	default:
		return false
	}
}

// MatchesAll reports whether every condition holds.
func MatchesAll(conds []Condition, ctx Context) bool {
	for _, c := range conds {
		if !Matches(c, ctx) {
			return false
		}
	}
	return true
}

type wireCondition struct {
	Type        string   `json:"type"`
	MinDuration *float64 `json:"min_duration,omitempty"`
	Start       string   `json:"start,omitempty"`
	End         string   `json:"end,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Code        string   `json:"code,omitempty"`
	Day         string   `json:"day,omitempty"`
}

// Conditions is an ordered condition list with a tagged JSON form:
// {"type":"time","start":"HH:MM","end":"HH:MM"}, {"type":"location","pattern":...},
// {"type":"duration","min_duration":N}, {"type":"tag_code","code":...},
// {"type":"day_of_week","day":"Monday"}.
type Conditions []Condition

// MarshalJSON implements json.Marshaler.
func (cs Conditions) MarshalJSON() ([]byte, error) {
	out := make([]wireCondition, 0, len(cs))
	for _, c := range cs {
		w := wireCondition{Type: c.Kind()}
		switch c := c.(type) {
		case TimeWindow:
			w.Start, w.End = c.Start.String(), c.End.String()
		case LocationPattern:
			w.Pattern = c.Pattern
		case MinDwell:
			m := c.Minutes
			w.MinDuration = &m
		case TagCodeIs:
			w.Code = c.Code
		case DayOfWeek:
			w.Day = c.Day.String()
		default:
			return nil, fmt.Errorf("unsupported condition %T", c)
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (cs *Conditions) UnmarshalJSON(data []byte) error {
	var raw []wireCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Conditions, 0, len(raw))
	for i, w := range raw {
		c, err := w.decode()
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}

func (w wireCondition) decode() (Condition, error) {
	switch w.Type {
	case "time":
		start, err := timenorm.ParseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("time start: %w", err)
		}
		end, err := timenorm.ParseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("time end: %w", err)
		}
		return TimeWindow{Start: start, End: end}, nil
	case "location":
		return LocationPattern{Pattern: w.Pattern}, nil
	case "duration":
		if w.MinDuration == nil {
			return nil, errors.New("duration condition needs min_duration")
		}
		return MinDwell{Minutes: *w.MinDuration}, nil
	case "tag_code":
		return TagCodeIs{Code: w.Code}, nil
	case "day_of_week":
		d, err := parseWeekday(w.Day)
		if err != nil {
			return nil, err
		}
		return DayOfWeek{Day: d}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", w.Type)
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := d.String()
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
