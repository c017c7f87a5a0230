// Package timeline renders a classified employee-day for the terminal.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// stateStyle is the marker and colour of each activity state.
var stateStyle = map[confidence.State]struct {
	mark  string
	color *color.Color
}{
	confidence.Work:          {"W", color.New(color.FgGreen)},
	confidence.WorkConfirmed: {"O", color.New(color.FgHiGreen)},
	confidence.Preparation:   {"P", color.New(color.FgMagenta)},
	confidence.Meeting:       {"M", color.New(color.FgCyan)},
	confidence.Education:     {"E", color.New(color.FgHiCyan)},
	confidence.Rest:          {"z", color.New(color.FgBlue)},
	confidence.Meal:          {"L", color.New(color.FgYellow)},
	confidence.Transit:       {"·", color.New(color.FgHiBlack)},
	confidence.Entry:         {">", color.New(color.FgHiBlack)},
	confidence.Exit:          {"<", color.New(color.FgHiBlack)},
	confidence.NonWork:       {"x", color.New(color.FgRed)},
}

var unresolved = color.New(color.FgHiRed)

// Day is the input of Render.
type Day struct {
	WorkDate   time.Time
	EmployeeID string
	Shift      timenorm.Shift
	Events     []tag.Event
	States     []*confidence.StateWithConfidence // index-aligned with Events
}

// Minutes returns the time attributed to each tag: the gap to the next tag,
// with meals capped at mealCap. The last tag gets none.
func Minutes(events []tag.Event, mealCap float64) []float64 {
	out := make([]float64, len(events))
	for i := range events {
		gap, ok := tag.MinutesToNext(events, i)
		if !ok {
			continue
		}
		if events[i].Code == tag.Meal && mealCap > 0 {
			gap = min(gap, mealCap)
		}
		out[i] = max(0, gap)
	}
	return out
}

// Summary totals the minutes spent per state. Unclassified tags are not
// counted.
func Summary(d Day, mealCap float64) map[confidence.State]float64 {
	out := make(map[confidence.State]float64)
	for i, m := range Minutes(d.Events, mealCap) {
		if i < len(d.States) && d.States[i] != nil && m > 0 {
			out[d.States[i].State()] += m
		}
	}
	return out
}

// Render draws one line per tag followed by a per-state summary.
func Render(d Day, n *timenorm.Normalizer, mealCap float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🗓  %s on %s (%s shift)\n", d.EmployeeID, d.WorkDate.Format(time.DateOnly), d.Shift)
	sb.WriteString(strings.Repeat("─", 60) + "\n")
	if len(d.Events) == 0 {
		return sb.String() + "No tags recorded\n"
	}

	minutes := Minutes(d.Events, mealCap)
	for i, ev := range d.Events {
		local := n.ToLocal(ev.Timestamp)
		line := fmt.Sprintf("%s %-3s ", local.Format("15:04"), ev.Code)

		var s *confidence.StateWithConfidence
		if i < len(d.States) {
			s = d.States[i]
		}
		if s == nil {
			line += unresolved.Sprint("? unresolved")
			sb.WriteString(line + "\n")
			continue
		}
		style, ok := stateStyle[s.State()]
		if !ok {
			style = stateStyle[confidence.NonWork]
		}
		line += style.color.Sprintf("%s %-14s", style.mark, s.State())
		line += fmt.Sprintf(" %3.0f%% ", s.Confidence()*100)
		if m := minutes[i]; m > 0 {
			line += style.color.Sprint(strings.Repeat("█", barLength(m))) + " " + timenorm.FormatDuration(m)
		}
		if ev.Location != "" {
			line += "  " + color.New(color.FgHiBlack).Sprint(ev.Location)
		}
		sb.WriteString(line + "\n")
	}

	summary := Summary(d, mealCap)
	if len(summary) == 0 {
		return sb.String()
	}
	sb.WriteString(strings.Repeat("─", 60) + "\n")
	states := make([]confidence.State, 0, len(summary))
	for st := range summary {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		if summary[states[i]] != summary[states[j]] {
			return summary[states[i]] > summary[states[j]]
		}
		return states[i] < states[j]
	})
	for _, st := range states {
		fmt.Fprintf(&sb, "%-14s %s\n", st, timenorm.FormatDuration(summary[st]))
	}
	return sb.String()
}

// barLength is one block per 15 minutes, at least one.
func barLength(minutes float64) int {
	return max(1, int(minutes/15))
}

const slotMinutes = 30

// Histogram draws the day at 30-minute resolution: one row per slot between
// the first and last tag, marked with the state that filled most of it.
func Histogram(d Day, n *timenorm.Normalizer, mealCap float64) string {
	var sb strings.Builder
	sb.WriteString("📊 Activity Pattern (30-minute resolution)\n")
	sb.WriteString(strings.Repeat("─", 50) + "\n")
	if len(d.Events) == 0 {
		return sb.String()
	}

	minutes := Minutes(d.Events, mealCap)
	first := n.ToLocal(d.Events[0].Timestamp).Truncate(slotMinutes * time.Minute)
	last := n.ToLocal(d.Events[len(d.Events)-1].Timestamp)
	slots := int(last.Sub(first).Minutes()/slotMinutes) + 1
	fill := make([]map[confidence.State]float64, slots)
	for i := range fill {
		fill[i] = make(map[confidence.State]float64)
	}

	for i, ev := range d.Events {
		if i >= len(d.States) || d.States[i] == nil || minutes[i] <= 0 {
			continue
		}
		st := d.States[i].State()
		from := n.ToLocal(ev.Timestamp).Sub(first).Minutes()
		to := from + minutes[i]
		for from < to {
			slot := int(from / slotMinutes)
			if slot >= slots {
				break
			}
			end := min(to, float64(slot+1)*slotMinutes)
			fill[slot][st] += end - from
			from = end
		}
	}

	for i, f := range fill {
		at := first.Add(time.Duration(i*slotMinutes) * time.Minute)
		st, total := dominant(f)
		if total == 0 {
			fmt.Fprintf(&sb, "%s    \n", at.Format("15:04"))
			continue
		}
		style, ok := stateStyle[st]
		if !ok {
			style = stateStyle[confidence.NonWork]
		}
		blocks := max(1, int(total/5+0.5))
		fmt.Fprintf(&sb, "%s %s (%2.0f) %s\n", at.Format("15:04"), style.color.Sprint(style.mark), total,
			style.color.Sprint(strings.Repeat("█", blocks)))
	}

	if len(d.Events) < 5 {
		sb.WriteString("\n⚠️  Limited data: fewer than 5 tags\n")
	}
	return sb.String()
}

// dominant returns the state with the most minutes in f and the slot total.
func dominant(f map[confidence.State]float64) (confidence.State, float64) {
	var best confidence.State
	var total float64
	for _, st := range confidence.States {
		m := f[st]
		total += m
		if m > f[best] {
			best = st
		}
	}
	return best, total
}
