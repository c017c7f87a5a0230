// Package tag defines badge tag events as delivered by ingestion.
package tag

import (
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Code is the categorical label of a badge reader.
type Code string

// Tag codes.
const (
	Movement    Code = "T1" // corridor or stair reader
	GateIn      Code = "T2"
	GateOut     Code = "T3"
	WorkZone    Code = "G1"
	PrepZone    Code = "G2"
	MeetingZone Code = "G3"
	EduZone     Code = "G4"
	Meal        Code = "M1" // onsite cafeteria
	Takeout     Code = "M2"
	RestZone    Code = "N1"
	Lounge      Code = "N2"
	Personal    Code = "N3"
	Equipment   Code = "O"
)

var known = map[Code]string{
	Movement:    "movement",
	GateIn:      "gate-in",
	GateOut:     "gate-out",
	WorkZone:    "work zone",
	PrepZone:    "preparation zone",
	MeetingZone: "meeting zone",
	EduZone:     "education zone",
	Meal:        "onsite meal",
	Takeout:     "takeout meal",
	RestZone:    "rest zone",
	Lounge:      "lounge",
	Personal:    "personal zone",
	Equipment:   "equipment use",
}

// ParseCode normalizes and validates a tag code.
func ParseCode(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := known[c]; !ok {
		return "", fmt.Errorf("unknown tag code %q", s)
	}
	return c, nil
}

// Description returns a human label for c.
func (c Code) Description() string {
	if d, ok := known[c]; ok {
		return d
	}
	return "unknown"
}

// IsGate reports whether c is a gate reader.
func (c Code) IsGate() bool {
	return c == GateIn || c == GateOut
}

// IsRest reports whether c is a rest-zone reader.
func (c Code) IsRest() bool {
	return c == RestZone || c == Lounge
}

// IsWorkArea reports whether c is a work, preparation or meeting zone.
func (c Code) IsWorkArea() bool {
	return c == WorkZone || c == PrepZone || c == MeetingZone
}

// Event is one badge read. Events are values and are never modified after ingestion.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	EmployeeID string         `json:"employee_id"`
	Code       Code           `json:"tag"`
	Location   string         `json:"location,omitempty"`
	Shift      timenorm.Shift `json:"shift,omitempty"`

	// Dwell is minutes spent at the reader when ingestion already knows it.
	// Zero means derive it from the neighbouring tags.
	Dwell     float64 `json:"dwell_minutes,omitempty"`
	Equipment bool    `json:"equipment,omitempty"`
}
