package ruleengine

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) (*Engine, *timenorm.Normalizer) {
	t.Helper()
	n, err := timenorm.New("UTC+9")
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(DefaultConfig(), n, discard())
	if err != nil {
		t.Fatal(err)
	}
	return e, n
}

func ev(n *timenorm.Normalizer, code tag.Code, hour, minute int) tag.Event {
	return tag.Event{
		Timestamp: time.Date(2025, time.March, 10, hour, minute, 0, 0, n.Location()),
		Code:      code,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	n, err := timenorm.New("UTC")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.High = 1.5
	if _, err := New(cfg, n, discard()); err == nil {
		t.Error("New accepted high_confidence 1.5")
	}
	cfg = DefaultConfig()
	cfg.MealMaxMinutes = -1
	if _, err := New(cfg, n, discard()); err == nil {
		t.Error("New accepted negative meal cap")
	}
	if _, err := New(DefaultConfig(), nil, discard()); err == nil {
		t.Error("New accepted nil normalizer")
	}
}

func TestCascade(t *testing.T) {
	e, n := newEngine(t)

	o := ev(n, tag.Equipment, 8, 10)
	t2 := ev(n, tag.GateIn, 7, 50)
	t3 := ev(n, tag.GateOut, 20, 0)
	m2 := ev(n, tag.Takeout, 12, 0)

	tests := []struct {
		name     string
		in       Input
		wantRule RuleID
		want     confidence.State
		wantConf float64
	}{
		{
			name:     "equipment tag confirms work",
			in:       Input{Event: o, Dwell: 1},
			wantRule: RuleEquipment, want: confidence.WorkConfirmed, wantConf: 0.98,
		},
		{
			name:     "equipment flag on any tag",
			in:       Input{Event: ev(n, tag.WorkZone, 9, 0), Equipment: true},
			wantRule: RuleEquipment, want: confidence.WorkConfirmed, wantConf: 0.98,
		},
		{
			name:     "work zone after equipment",
			in:       Input{Event: ev(n, tag.WorkZone, 10, 30), Prev: &o, Dwell: 140},
			wantRule: RuleAfterEquipment, want: confidence.Work, wantConf: 0.95,
		},
		{
			name:     "onsite meal",
			in:       Input{Event: ev(n, tag.Meal, 12, 0), Dwell: 90, ToNext: 45, HasNext: true},
			wantRule: RuleOnsiteMeal, want: confidence.Meal, wantConf: 0.98,
		},
		{
			name:     "takeout is transit",
			in:       Input{Event: m2, Dwell: 30},
			wantRule: RuleTakeout, want: confidence.Transit, wantConf: 0.98,
		},
		{
			name:     "rest after takeout",
			in:       Input{Event: ev(n, tag.Lounge, 12, 3), Prev: &m2, Dwell: 3},
			wantRule: RuleTakeoutThenRest, want: confidence.Rest, wantConf: 0.95,
		},
		{
			name:     "gate entry in day window",
			in:       Input{Event: t2, Shift: timenorm.ShiftDay},
			wantRule: RuleGate, want: confidence.Entry, wantConf: 0.95,
		},
		{
			name:     "gate exit in day window",
			in:       Input{Event: t3, Shift: timenorm.ShiftDay, Dwell: 30},
			wantRule: RuleGate, want: confidence.Exit, wantConf: 0.95,
		},
		{
			name:     "gate out in the morning is transit",
			in:       Input{Event: ev(n, tag.GateOut, 8, 5), Shift: timenorm.ShiftDay, Dwell: 5},
			wantRule: RuleGate, want: confidence.Transit, wantConf: 0.90,
		},
		{
			name:     "long meeting",
			in:       Input{Event: ev(n, tag.MeetingZone, 14, 0), Dwell: 45},
			wantRule: RuleLongMeeting, want: confidence.Meeting, wantConf: 0.95,
		},
		{
			name:     "meeting zone pass",
			in:       Input{Event: ev(n, tag.MeetingZone, 14, 0), Dwell: 3},
			wantRule: RuleShortMeeting, want: confidence.Transit, wantConf: 0.90,
		},
		{
			name:     "hand-over in work zone",
			in:       Input{Event: ev(n, tag.WorkZone, 8, 5), Dwell: 10},
			wantRule: RuleHandover, want: confidence.Meeting, wantConf: 0.90,
		},
		{
			name:     "education session",
			in:       Input{Event: ev(n, tag.EduZone, 10, 0), Dwell: 90},
			wantRule: RuleEducation, want: confidence.Education, wantConf: 0.95,
		},
		{
			name:     "preparation after entry",
			in:       Input{Event: ev(n, tag.PrepZone, 7, 55), Prev: &t2, Dwell: 5},
			wantRule: RulePreparation, want: confidence.Preparation, wantConf: 0.95,
		},
		{
			name:     "preparation before exit",
			in:       Input{Event: ev(n, tag.PrepZone, 19, 40), Next: &t3, Dwell: 10},
			wantRule: RulePreparation, want: confidence.Preparation, wantConf: 0.95,
		},
		{
			name:     "long rest",
			in:       Input{Event: ev(n, tag.RestZone, 15, 0), Dwell: 40},
			wantRule: RuleLongRest, want: confidence.Rest, wantConf: 0.90,
		},
		{
			name:     "movement reader",
			in:       Input{Event: ev(n, tag.Movement, 15, 0), Dwell: 3},
			wantRule: RuleQuickMovement, want: confidence.Transit, wantConf: 0.90,
		},
		{
			name:     "catch-all short dwell",
			in:       Input{Event: ev(n, tag.WorkZone, 15, 0), Dwell: 1},
			wantRule: RuleShortDwell, want: confidence.Transit, wantConf: 0.90,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := e.Evaluate(tt.in)
			if m.Rule != tt.wantRule {
				t.Fatalf("rule = %s, want %s", m.Rule, tt.wantRule)
			}
			if m.State.State() != tt.want || math.Abs(m.State.Confidence()-tt.wantConf) > 1e-9 {
				t.Errorf("state = %v, want %s (%.2f)", m.State, tt.want, tt.wantConf)
			}
			if kind, _ := m.State.PrimaryEvidenceKind(); kind != confidence.KindRule {
				t.Errorf("primary evidence = %s, want rule", kind)
			}
		})
	}
}

func TestNoMatch(t *testing.T) {
	e, n := newEngine(t)
	tests := []Input{
		{Event: ev(n, tag.WorkZone, 10, 0), Dwell: 30},
		{Event: ev(n, tag.MeetingZone, 14, 0), Dwell: 15},
		{Event: ev(n, tag.EduZone, 10, 0), Dwell: 30},
		{Event: ev(n, tag.RestZone, 15, 0), Dwell: 10},
		{Event: ev(n, tag.Personal, 15, 0), Dwell: 20},
	}
	for _, in := range tests {
		if s := e.Classify(in); s != nil {
			t.Errorf("Classify(%s, dwell %.0f) = %v, want nil", in.Event.Code, in.Dwell, s)
		}
	}
	if m := e.Evaluate(tests[0]); m.Rule != RuleNone {
		t.Errorf("Evaluate rule = %s, want none", m.Rule)
	}
}

func TestMealDurationCap(t *testing.T) {
	e, n := newEngine(t)
	tests := []struct {
		name       string
		toNext     float64
		hasNext    bool
		wantMins   float64
		wantCapped bool
	}{
		{"gap under cap", 45, true, 45, false},
		{"gap over cap", 160, true, 60, true},
		{"no next tag", 0, false, 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := e.Classify(Input{Event: ev(n, tag.Meal, 12, 0), ToNext: tt.toNext, HasNext: tt.hasNext})
			if s == nil || s.State() != confidence.Meal {
				t.Fatalf("Classify = %v, want MEAL", s)
			}
			meta := s.Evidence()[0].Metadata
			if got := meta["duration_minutes"].(float64); got != tt.wantMins || got > 60 {
				t.Errorf("duration = %v, want %v", got, tt.wantMins)
			}
			if got := meta["capped"].(bool); got != tt.wantCapped {
				t.Errorf("capped = %v, want %v", got, tt.wantCapped)
			}
			if meta["meal_type"] != "lunch" {
				t.Errorf("meal_type = %v, want lunch", meta["meal_type"])
			}
			if meta["time_weight"].(float64) != 1.5 {
				t.Errorf("time_weight = %v, want 1.5", meta["time_weight"])
			}
		})
	}
}

func TestTakeoutFixedDuration(t *testing.T) {
	e, n := newEngine(t)
	s := e.Classify(Input{Event: ev(n, tag.Takeout, 18, 0), ToNext: 50, HasNext: true})
	if s == nil {
		t.Fatal("takeout not classified")
	}
	meta := s.Evidence()[0].Metadata
	if meta["duration_minutes"].(float64) != 10 || meta["meal_type"] != "dinner" {
		t.Errorf("takeout metadata = %v", meta)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	e, n := newEngine(t)
	prev := ev(n, tag.Takeout, 12, 0)
	in := Input{Event: ev(n, tag.Lounge, 12, 4), Prev: &prev, Dwell: 4, ToNext: 30, HasNext: true}

	first := e.Classify(in)
	for range 10 {
		again := e.Classify(in)
		if again.State() != first.State() || again.Confidence() != first.Confidence() {
			t.Fatalf("Classify changed result: %v then %v", first, again)
		}
	}
}

func TestConfigSetAndWarnings(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Set("meal_max_duration_minutes", 150); err != nil {
		t.Fatal(err)
	}
	if v, ok := cfg.Get("meal_max_duration_minutes"); !ok || v != 150 {
		t.Errorf("Get = %v, %v", v, ok)
	}
	if err := cfg.Set("nap_minutes", 5); err == nil {
		t.Error("Set accepted an unknown key")
	}
	if err := cfg.Set("medium_confidence", 0.99); err != nil {
		t.Fatal(err)
	}
	if w := cfg.Warnings(); len(w) != 2 {
		t.Errorf("Warnings = %v, want meal cap and tier order", w)
	}
	if len(Keys()) != 7 {
		t.Errorf("Keys = %v", Keys())
	}
}

func TestCascadeTierOrder(t *testing.T) {
	seen := map[Tier]int{}
	prev := Critical
	for _, c := range cascade {
		if c.tier < prev {
			t.Errorf("%s (%s) follows a %s rule", c.id, c.tier, prev)
		}
		prev = c.tier
		seen[c.tier]++
	}
	for _, tier := range []Tier{Critical, High, Medium, Low} {
		if seen[tier] == 0 {
			t.Errorf("no %s rules in the cascade", tier)
		}
	}
	if got := Tier(7).String(); got != "tier(7)" {
		t.Errorf("Tier(7) = %q", got)
	}
}
