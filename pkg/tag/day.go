package tag

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Day is the ordered tag sequence of one employee on one work-date.
type Day struct {
	WorkDate   time.Time
	EmployeeID string
	Shift      timenorm.Shift // declared shift, empty when unknown
	Events     []Event
}

type rawEvent struct {
	Timestamp  string  `json:"timestamp"`
	EmployeeID string  `json:"employee_id"`
	Code       string  `json:"tag"`
	Location   string  `json:"location"`
	Shift      string  `json:"shift"`
	Dwell      float64 `json:"dwell_minutes"`
	Equipment  bool    `json:"equipment"`
}

// Decode reads a JSON array of events. Naive timestamps are taken as
// reference-zone wall-clock time.
func Decode(r io.Reader, n *timenorm.Normalizer) ([]Event, error) {
	var raw []rawEvent
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding events: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for i, re := range raw {
		ts, err := n.Parse(re.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		code, err := ParseCode(re.Code)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		shift, err := timenorm.ParseShift(re.Shift)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, Event{
			Timestamp:  ts,
			EmployeeID: re.EmployeeID,
			Code:       code,
			Location:   re.Location,
			Shift:      shift,
			Dwell:      re.Dwell,
			Equipment:  re.Equipment || code == Equipment,
		})
	}
	return events, nil
}

// GroupDays splits events into per-employee work-days ordered by employee and date.
// Each employee's shift is the declared one, else detected from their first tag.
func GroupDays(events []Event, n *timenorm.Normalizer) []Day {
	byEmployee := make(map[string][]Event)
	for _, e := range events {
		byEmployee[e.EmployeeID] = append(byEmployee[e.EmployeeID], e)
	}

	var days []Day
	for emp, evs := range byEmployee {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })

		declared := timenorm.Shift("")
		for _, e := range evs {
			if e.Shift != "" {
				declared = e.Shift
				break
			}
		}
		shift := declared
		if shift == "" {
			shift = n.DetectShift(evs[0].Timestamp)
		}

		index := make(map[time.Time]int)
		for _, e := range evs {
			date := n.WorkDate(e.Timestamp, shift)
			i, ok := index[date]
			if !ok {
				i = len(days)
				index[date] = i
				days = append(days, Day{WorkDate: date, EmployeeID: emp, Shift: declared})
			}
			days[i].Events = append(days[i].Events, e)
		}
	}

	sort.SliceStable(days, func(i, j int) bool {
		if days[i].EmployeeID != days[j].EmployeeID {
			return days[i].EmployeeID < days[j].EmployeeID
		}
		return days[i].WorkDate.Before(days[j].WorkDate)
	})
	return days
}

// DwellAt returns the dwell of events[i]: the ingested value when set,
// otherwise minutes since the previous tag (0 for the first tag).
func DwellAt(events []Event, i int) float64 {
	if events[i].Dwell > 0 {
		return events[i].Dwell
	}
	if i == 0 {
		return 0
	}
	return events[i].Timestamp.Sub(events[i-1].Timestamp).Minutes()
}

// MinutesToNext returns the gap to events[i+1], if there is one.
func MinutesToNext(events []Event, i int) (float64, bool) {
	if i+1 >= len(events) {
		return 0, false
	}
	return events[i+1].Timestamp.Sub(events[i].Timestamp).Minutes(), true
}
