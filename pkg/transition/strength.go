package transition

import (
	"math"
	"strings"

	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Strength returns how well ctx satisfies c, from 0 to 1. Unlike
// rules.Matches it is graded: a time window scores highest at its centre and
// a dwell minimum scores higher the further it is exceeded.
func Strength(c rules.Condition, ctx rules.Context) float64 {
	switch c := c.(type) {
	case rules.TimeWindow:
		return timeStrength(c.Window(), ctx)
	case rules.LocationPattern:
		return locationStrength(c.Pattern, ctx.Location)
	case rules.MinDwell:
		return dwellStrength(c.Minutes, ctx.Dwell)
	case rules.TagCodeIs:
		return boolStrength(ctx.Code != "" && ctx.Code == c.Code)
	case rules.DayOfWeek:
		return boolStrength(!ctx.Time.IsZero() && ctx.Time.Weekday() == c.Day)
	default:
		return 0.5
	}
}

// ConditionWeight is the mean strength of conds, 1 when there are none.
func ConditionWeight(conds []rules.Condition, ctx rules.Context) float64 {
	if len(conds) == 0 {
		return 1
	}
	var sum float64
	for _, c := range conds {
		sum += Strength(c, ctx)
	}
	return sum / float64(len(conds))
}

// timeStrength is a gaussian around the window centre with sigma a quarter
// of the width, floored at 0.7 inside. Outside it loses 0.1 per hour from
// 0.5.
func timeStrength(w timenorm.Window, ctx rules.Context) float64 {
	if ctx.Time.IsZero() {
		return 0
	}
	c := timenorm.ClockOf(ctx.Time)
	if !w.Contains(c) {
		hours := float64(w.Distance(c)) / 60
		return max(0, 0.5-0.1*hours)
	}
	total := float64(w.Minutes())
	if total == 0 {
		return 1
	}
	elapsed := float64(w.Offset(c))
	centre, sigma := total/2, total/4
	g := math.Exp(-(elapsed - centre) * (elapsed - centre) / (2 * sigma * sigma))
	return max(0.7, g)
}

func locationStrength(pattern, location string) float64 {
	if location == "" {
		return 0
	}
	p, loc := strings.ToUpper(pattern), strings.ToUpper(location)
	if strings.Contains(loc, p) {
		return 1
	}
	for _, word := range strings.Fields(p) {
		if strings.Contains(loc, word) {
			return 0.7
		}
	}
	return 0
}

func dwellStrength(minimum, dwell float64) float64 {
	if minimum <= 0 {
		return 1
	}
	if dwell >= minimum {
		return min(1, 0.7+0.3*(dwell-minimum)/minimum)
	}
	return 0.5 * max(0, dwell) / minimum
}

func boolStrength(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
