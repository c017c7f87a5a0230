package classify

import (
	"fmt"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
)

// Statistics counts the states of a classified sequence.
type Statistics struct {
	Total     int `json:"total_states"`
	Confirmed int `json:"confirmed_states"`
	Uncertain int `json:"uncertain_states"`
	Null      int `json:"null_states"`
}

// Validation is the result of ValidateSequence. Valid turns false only for
// an entry immediately followed by an exit; the other issues are advisory.
type Validation struct {
	Issues []string   `json:"issues"`
	Stats  Statistics `json:"statistics"`
	Valid  bool       `json:"valid"`
}

// ValidateSequence checks a classified sequence for implausible patterns.
// events may be nil; when given it must be index-aligned with states and
// is used to catch a gate-in tag followed by a gate-out within the short
// dwell threshold.
func (c *Classifier) ValidateSequence(events []tag.Event, states []*confidence.StateWithConfidence) Validation {
	v := Validation{Valid: true, Issues: []string{}, Stats: Statistics{Total: len(states)}}
	short := c.Config().ShortDwellMinutes

	for i, s := range states {
		if s == nil {
			v.Stats.Null++
		} else if s.IsConfident() {
			v.Stats.Confirmed++
		} else if s.IsUncertain() {
			v.Stats.Uncertain++
		}
		if i == 0 {
			continue
		}

		prev := states[i-1]
		switch {
		case prev != nil && s != nil && prev.State() == confidence.Entry && s.State() == confidence.Exit:
			v.Valid = false
			v.Issues = append(v.Issues, fmt.Sprintf("index %d: entry immediately followed by exit", i))
		case len(events) == len(states) && events[i-1].Code == tag.GateIn && events[i].Code == tag.GateOut &&
			events[i].Timestamp.Sub(events[i-1].Timestamp).Minutes() <= short:
			v.Valid = false
			v.Issues = append(v.Issues, fmt.Sprintf("index %d: entry immediately followed by exit (%.0f minutes after gate-in)",
				i, events[i].Timestamp.Sub(events[i-1].Timestamp).Minutes()))
		}
		if prev != nil && s != nil && prev.State() == confidence.WorkConfirmed &&
			s.State() == confidence.NonWork && s.Confidence() < confidence.ConfidentAt {
			v.Issues = append(v.Issues, fmt.Sprintf("index %d: uncertain non-work right after confirmed work", i))
		}
	}

	c.metrics.ValidationIssues(len(v.Issues))
	return v
}
