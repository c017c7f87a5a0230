package hmm

import (
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Feature is one categorical observation channel.
type Feature string

// Observation features, in table order.
const (
	FeatureLocation     Feature = "location"
	FeatureTimeInterval Feature = "time_interval"
	FeatureTimePeriod   Feature = "time_period"
	FeatureDayOfWeek    Feature = "day_of_week"
	FeatureShift        Feature = "shift_type"
	FeatureCafeteria    Feature = "cafeteria"
)

// Features lists every feature in table order.
var Features = []Feature{
	FeatureLocation, FeatureTimeInterval, FeatureTimePeriod,
	FeatureDayOfWeek, FeatureShift, FeatureCafeteria,
}

// MaxVocabulary caps the learned location vocabulary.
const MaxVocabulary = 50

// intervalBuckets splits dwell into 5-minute buckets, the last one open-ended.
const intervalBuckets = 20

var fixedVocabulary = map[Feature][]string{
	FeatureTimeInterval: intervalVocabulary(),
	FeatureTimePeriod:   {"early_morning", "morning", "afternoon", "evening", "night"},
	FeatureDayOfWeek:    {"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"},
	FeatureShift:        {"day", "night"},
	FeatureCafeteria:    {"no", "yes"},
}

func intervalVocabulary() []string {
	out := make([]string, intervalBuckets)
	for i := range out {
		out[i] = strconv.Itoa(i * 5)
	}
	return out
}

// Observation is one tag as the model sees it.
type Observation struct {
	Time     time.Time // reference-zone local time
	Location string
	Code     tag.Code
	Shift    timenorm.Shift
	Dwell    float64 // minutes since the previous observation
}

// Value returns the categorical value of f.
func (o Observation) Value(f Feature) string {
	switch f {
	case FeatureLocation:
		if o.Location != "" {
			return o.Location
		}
		return string(o.Code)
	case FeatureTimeInterval:
		b := int(o.Dwell / 5)
		b = min(max(b, 0), intervalBuckets-1)
		return strconv.Itoa(b * 5)
	case FeatureTimePeriod:
		if o.Time.IsZero() {
			return ""
		}
		return TimePeriod(o.Time)
	case FeatureDayOfWeek:
		if o.Time.IsZero() {
			return ""
		}
		return o.Time.Weekday().String()
	case FeatureShift:
		if o.Shift == timenorm.ShiftNight {
			return "night"
		}
		return "day"
	case FeatureCafeteria:
		if strings.Contains(strings.ToUpper(o.Location), "CAFETERIA") || o.Code == tag.Meal {
			return "yes"
		}
		return "no"
	default:
		return ""
	}
}

// Context returns the rule-evaluation context of the observation.
func (o Observation) Context() rules.Context {
	return rules.Context{
		Time:     o.Time,
		Location: o.Location,
		Code:     string(o.Code),
		Shift:    string(o.Shift),
		Dwell:    o.Dwell,
	}
}

// TimePeriod buckets a local time: early_morning 05-09, morning 09-12,
// afternoon 12-18, evening 18-22, night 22-05.
func TimePeriod(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 9:
		return "early_morning"
	case h >= 9 && h < 12:
		return "morning"
	case h >= 12 && h < 18:
		return "afternoon"
	case h >= 18 && h < 22:
		return "evening"
	default:
		return "night"
	}
}

// ObservationsFromEvents converts one ordered day of tags. An empty shift
// uses each event's declared shift, falling back to detection from the first tag.
func ObservationsFromEvents(events []tag.Event, n *timenorm.Normalizer, shift timenorm.Shift) []Observation {
	if len(events) == 0 {
		return nil
	}
	if shift == "" {
		shift = events[0].Shift
	}
	if shift == "" {
		shift = n.DetectShift(events[0].Timestamp)
	}
	out := make([]Observation, len(events))
	for i, ev := range events {
		out[i] = Observation{
			Time:     n.ToLocal(ev.Timestamp),
			Location: ev.Location,
			Code:     ev.Code,
			Shift:    shift,
			Dwell:    tag.DwellAt(events, i),
		}
	}
	return out
}

// encoded holds the column index of every feature per step; -1 marks a value
// outside the vocabulary.
type encoded [][]int

func (m *Model) encode(obs []Observation) encoded {
	out := make(encoded, len(obs))
	for t, o := range obs {
		row := make([]int, len(Features))
		for k, f := range Features {
			j, ok := m.index[f][o.Value(f)]
			if !ok {
				j = -1
			}
			row[k] = j
		}
		out[t] = row
	}
	return out
}

// emissionAt is the product over features of P(value | state). Features whose
// value is outside the vocabulary carry no information and are skipped.
func (m *Model) emissionAt(state int, codes []int) float64 {
	p := 1.0
	for k, f := range Features {
		j := codes[k]
		if j < 0 {
			continue
		}
		p *= m.emission[f][state][j]
	}
	return max(p, Floor)
}
