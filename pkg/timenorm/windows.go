package timenorm

import "time"

// Meal names a cafeteria service window.
type Meal string

// Meals in service order.
const (
	Breakfast Meal = "breakfast"
	Lunch     Meal = "lunch"
	Dinner    Meal = "dinner"
	Midnight  Meal = "midnight"
)

// MealWindows lists the service windows. Midnight wraps past 00:00.
var MealWindows = []struct {
	Meal   Meal
	Window Window
}{
	{Breakfast, Window{NewClock(6, 30), NewClock(9, 0)}},
	{Lunch, Window{NewClock(11, 20), NewClock(13, 20)}},
	{Dinner, Window{NewClock(17, 0), NewClock(20, 0)}},
	{Midnight, Window{NewClock(23, 30), NewClock(1, 0)}},
}

// MealAt returns the meal window t falls in.
func (n *Normalizer) MealAt(t time.Time) (Meal, bool) {
	c := ClockOf(n.ToLocal(t))
	for _, mw := range MealWindows {
		if mw.Window.Contains(c) {
			return mw.Meal, true
		}
	}
	return "", false
}

// InMealWindow reports whether t falls inside the named meal window.
func (n *Normalizer) InMealWindow(t time.Time, meal Meal) bool {
	c := ClockOf(n.ToLocal(t))
	for _, mw := range MealWindows {
		if mw.Meal == meal {
			return mw.Window.Contains(c)
		}
	}
	return false
}

// Handover names a shift-change direction.
type Handover string

// Shift-change directions.
const (
	DayToNight Handover = "day_to_night"
	NightToDay Handover = "night_to_day"
)

var handovers = []struct {
	dir    Handover
	window Window
}{
	{DayToNight, Window{NewClock(20, 0), NewClock(20, 30)}},
	{NightToDay, Window{NewClock(8, 0), NewClock(8, 30)}},
}

// ShiftChange reports whether t falls in a shift-change window.
func (n *Normalizer) ShiftChange(t time.Time) (Handover, bool) {
	c := ClockOf(n.ToLocal(t))
	for _, h := range handovers {
		if h.window.Contains(c) {
			return h.dir, true
		}
	}
	return "", false
}

// GateKind is the outcome of classifying a gate tag.
type GateKind string

// Gate classifications.
const (
	GateEntry   GateKind = "entry"
	GateExit    GateKind = "exit"
	GateTransit GateKind = "transit"
)

type gateWindows struct {
	entry Window
	exit  Window
}

// Office staff follow the day windows.
var shiftGates = map[Shift]gateWindows{
	ShiftDay: {
		entry: Window{NewClock(7, 0), NewClock(9, 0)},
		exit:  Window{NewClock(19, 30), NewClock(21, 30)},
	},
	ShiftNight: {
		entry: Window{NewClock(19, 0), NewClock(21, 0)},
		exit:  Window{NewClock(7, 30), NewClock(9, 30)},
	},
}

// ClassifyGate decides whether a gate tag at t is a shift entry, a shift exit,
// or a mid-shift pass through the gate.
func (n *Normalizer) ClassifyGate(t time.Time, shift Shift, entry bool) GateKind {
	gw, ok := shiftGates[shift]
	if !ok {
		gw = shiftGates[ShiftDay]
	}
	c := ClockOf(n.ToLocal(t))
	if entry {
		if gw.entry.Contains(c) {
			return GateEntry
		}
		return GateTransit
	}
	if gw.exit.Contains(c) {
		return GateExit
	}
	return GateTransit
}

// WeightClass groups activity states that share a time-of-day weighting.
type WeightClass string

// Weight classes.
const (
	WeightWork    WeightClass = "work"
	WeightMeal    WeightClass = "meal"
	WeightMeeting WeightClass = "meeting"
	WeightRest    WeightClass = "rest"
)

type hourWeight struct {
	from, to int // [from, to) in whole hours
	weight   float64
}

var timeWeights = map[WeightClass][]hourWeight{
	WeightWork: {
		{9, 11, 1.2}, {14, 16, 1.1}, {11, 13, 0.8}, {17, 19, 0.9},
	},
	WeightMeal: {
		{6, 9, 1.5}, {11, 14, 1.5}, {17, 20, 1.5}, {23, 24, 1.5}, {0, 1, 1.5},
	},
	WeightMeeting: {
		{8, 9, 1.3}, {10, 11, 1.2}, {14, 16, 1.2}, {20, 21, 1.3},
	},
	WeightRest: {
		{12, 13, 1.2}, {15, 16, 1.1}, {0, 6, 0.7},
	},
}

// Weight returns the time-of-day multiplier for evidence about class at t.
// Unlisted hours weigh 1.0.
func (n *Normalizer) Weight(t time.Time, class WeightClass) float64 {
	h := n.ToLocal(t).Hour()
	for _, hw := range timeWeights[class] {
		if h >= hw.from && h < hw.to {
			return hw.weight
		}
	}
	return 1.0
}
