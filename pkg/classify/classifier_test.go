package classify

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/metrics"
	"github.com/codeGROOVE-dev/tagflow/pkg/ruleengine"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNormalizer(t *testing.T) *timenorm.Normalizer {
	t.Helper()
	n, err := timenorm.New("Asia/Seoul")
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func newClassifier(t *testing.T, opts ...Option) (*Classifier, *timenorm.Normalizer) {
	t.Helper()
	n := newNormalizer(t)
	e, err := ruleengine.New(ruleengine.DefaultConfig(), n, quiet())
	if err != nil {
		t.Fatal(err)
	}
	return New(e, append([]Option{WithLogger(quiet())}, opts...)...), n
}

type stamp struct {
	code         tag.Code
	hour, minute int
}

func day(n *timenorm.Normalizer, date int, tags ...stamp) []tag.Event {
	out := make([]tag.Event, len(tags))
	for i, s := range tags {
		out[i] = tag.Event{
			EmployeeID: "E100",
			Code:       s.code,
			Timestamp:  time.Date(2025, time.March, date, s.hour, s.minute, 0, 0, n.Location()),
			Location:   string(s.code) + "-ZONE",
		}
	}
	return out
}

func TestOnsiteMealIsCapped(t *testing.T) {
	c, n := newClassifier(t)
	tests := []struct {
		name       string
		afterMeal  stamp
		wantMinute float64
		wantCapped bool
	}{
		{"next tag within the cap", stamp{tag.WorkZone, 12, 45}, 45, false},
		{"next tag beyond the cap", stamp{tag.WorkZone, 14, 30}, 60, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := day(n, 10,
				stamp{tag.GateIn, 7, 50}, stamp{tag.PrepZone, 7, 55}, stamp{tag.WorkZone, 8, 5},
				stamp{tag.Equipment, 8, 10}, stamp{tag.WorkZone, 10, 30}, stamp{tag.Meal, 12, 0},
				tt.afterMeal)
			states, err := c.ClassifySequence(context.Background(), events, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(states) != len(events) {
				t.Fatalf("got %d states for %d events", len(states), len(events))
			}
			meal := states[5]
			if meal == nil || meal.State() != confidence.Meal || meal.Confidence() != 0.98 {
				t.Fatalf("meal tag = %v", meal)
			}
			meta := meal.Evidence()[0].Metadata
			if got := meta["duration_minutes"].(float64); got != tt.wantMinute || got > 60 {
				t.Errorf("duration = %v, want %v", got, tt.wantMinute)
			}
			if meta["capped"] != tt.wantCapped {
				t.Errorf("capped = %v, want %v", meta["capped"], tt.wantCapped)
			}

			want := map[int]confidence.State{
				0: confidence.Entry,
				1: confidence.Preparation,
				3: confidence.WorkConfirmed,
				4: confidence.Work,
			}
			for i, st := range want {
				if states[i] == nil || states[i].State() != st {
					t.Errorf("tag %d (%s) = %v, want %s", i, events[i].Code, states[i], st)
				}
			}
		})
	}
}

func TestTakeoutThenRestIsRest(t *testing.T) {
	c, n := newClassifier(t)
	events := day(n, 10, stamp{tag.Takeout, 12, 0}, stamp{tag.RestZone, 12, 4})
	states, err := c.ClassifySequence(context.Background(), events, timenorm.ShiftDay)
	if err != nil {
		t.Fatal(err)
	}
	if states[0] == nil || states[0].State() != confidence.Transit {
		t.Errorf("takeout tag = %v, want TRANSIT", states[0])
	}
	rest := states[1]
	if rest == nil || rest.State() != confidence.Rest || math.Abs(rest.Confidence()-0.95) > 1e-9 {
		t.Errorf("rest tag = %v, want REST at 0.95", rest)
	}
}

func TestEntryImmediatelyFollowedByExit(t *testing.T) {
	c, n := newClassifier(t)
	events := day(n, 10, stamp{tag.GateIn, 8, 0}, stamp{tag.GateOut, 8, 5})
	states, err := c.ClassifySequence(context.Background(), events, "")
	if err != nil {
		t.Fatal(err)
	}
	v := c.ValidateSequence(events, states)
	if v.Valid {
		t.Fatal("sequence validated")
	}
	if len(v.Issues) != 1 || !strings.Contains(v.Issues[0], "entry immediately followed by exit") {
		t.Errorf("issues = %q", v.Issues)
	}

	later := day(n, 10, stamp{tag.GateIn, 8, 0}, stamp{tag.GateOut, 8, 40})
	if v := c.ValidateSequence(later, states); !v.Valid {
		t.Errorf("40 minute gap flagged: %q", v.Issues)
	}
}

func TestValidateSequenceStates(t *testing.T) {
	c, _ := newClassifier(t)
	mk := func(st confidence.State, conf float64) *confidence.StateWithConfidence {
		s, err := confidence.New(st, conf)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	states := []*confidence.StateWithConfidence{
		mk(confidence.Entry, 0.95),
		mk(confidence.Exit, 0.95),
		nil,
		mk(confidence.WorkConfirmed, 0.98),
		mk(confidence.NonWork, 0.5),
		mk(confidence.Work, 0.7),
	}
	v := c.ValidateSequence(nil, states)
	if v.Valid {
		t.Error("entry then exit validated")
	}
	if len(v.Issues) != 2 || !strings.Contains(v.Issues[1], "non-work") {
		t.Errorf("issues = %q", v.Issues)
	}
	want := Statistics{Total: 6, Confirmed: 3, Uncertain: 1, Null: 1}
	if diff := cmp.Diff(want, v.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	advisory := c.ValidateSequence(nil, states[3:])
	if !advisory.Valid || len(advisory.Issues) != 1 {
		t.Errorf("advisory validation = %+v", advisory)
	}
}

func TestNightShiftWorkDate(t *testing.T) {
	c, n := newClassifier(t)
	loc := n.Location()
	events := []tag.Event{
		{EmployeeID: "N7", Code: tag.GateIn, Timestamp: time.Date(2025, 3, 10, 19, 40, 0, 0, loc)},
		{EmployeeID: "N7", Code: tag.WorkZone, Timestamp: time.Date(2025, 3, 10, 21, 0, 0, 0, loc)},
		{EmployeeID: "N7", Code: tag.Meal, Timestamp: time.Date(2025, 3, 11, 0, 20, 0, 0, loc)},
	}
	if got, want := n.WorkDate(events[2].Timestamp, timenorm.ShiftNight), time.Date(2025, 3, 10, 0, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("WorkDate(00:20) = %v, want %v", got, want)
	}

	days := tag.GroupDays(events, n)
	if len(days) != 1 {
		t.Fatalf("grouped into %d days, want 1", len(days))
	}
	res := c.ClassifyBatch(context.Background(), days, 2)
	if len(res) != 1 || res[0].Err != nil {
		t.Fatalf("batch = %+v", res)
	}
	if res[0].WorkDate.Day() != 10 || len(res[0].States) != 3 {
		t.Errorf("work date %v with %d states", res[0].WorkDate, len(res[0].States))
	}
	if s := res[0].States[0]; s == nil || s.State() != confidence.Entry {
		t.Errorf("night gate-in = %v, want ENTRY", s)
	}
}

func TestDecoderFallback(t *testing.T) {
	m := hmm.New("")
	m.Initialize(hmm.DomainKnowledge())
	reg := metrics.New()
	c, n := newClassifier(t, WithDecoderFallback(hmm.NewDecoder(m, hmm.WithDecoderLogger(quiet()))), WithMetrics(reg))

	// The work-zone tag after lunch matches no rule.
	events := day(n, 10, stamp{tag.Meal, 12, 0}, stamp{tag.WorkZone, 12, 45})
	plain, _ := newClassifier(t)
	without, err := plain.ClassifySequence(context.Background(), events, "")
	if err != nil {
		t.Fatal(err)
	}
	if without[1] != nil {
		t.Fatalf("rule cascade classified the gap: %v", without[1])
	}

	states, err := c.ClassifySequence(context.Background(), events, "")
	if err != nil {
		t.Fatal(err)
	}
	filled := states[1]
	if filled == nil {
		t.Fatal("decoder did not fill the gap")
	}
	if kind, _ := filled.PrimaryEvidenceKind(); kind != confidence.KindProbability {
		t.Errorf("evidence kind = %s", kind)
	}
	if filled.Confidence() <= 0 || filled.Confidence() > 1 {
		t.Errorf("confidence %v out of range", filled.Confidence())
	}
	if states[0].State() != confidence.Meal {
		t.Errorf("rule result overwritten: %v", states[0])
	}
}

func TestClassifySequenceEdges(t *testing.T) {
	c, n := newClassifier(t)
	states, err := c.ClassifySequence(context.Background(), nil, "")
	if err != nil || states != nil {
		t.Errorf("empty input = %v, %v", states, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ClassifySequence(ctx, day(n, 10, stamp{tag.GateIn, 8, 0}), ""); err == nil {
		t.Error("cancelled context classified")
	}
	res := c.ClassifyBatch(ctx, []tag.Day{{EmployeeID: "E1", Events: day(n, 10, stamp{tag.GateIn, 8, 0})}}, 1)
	if len(res) != 1 || res[0].Err == nil {
		t.Errorf("cancelled batch = %+v", res)
	}
}

func TestShiftFor(t *testing.T) {
	c, n := newClassifier(t)
	events := day(n, 10, stamp{tag.GateIn, 19, 0})
	if got := c.ShiftFor(events, timenorm.ShiftOffice); got != timenorm.ShiftOffice {
		t.Errorf("declared shift ignored: %s", got)
	}
	if got := c.ShiftFor(events, ""); got != timenorm.ShiftNight {
		t.Errorf("detected shift = %s, want NIGHT", got)
	}
	events[0].Shift = timenorm.ShiftDay
	if got := c.ShiftFor(events, ""); got != timenorm.ShiftDay {
		t.Errorf("event shift ignored: %s", got)
	}
}

func TestMealDurationAndThresholds(t *testing.T) {
	c, _ := newClassifier(t)
	durations := []struct {
		code    tag.Code
		toNext  float64
		hasNext bool
		want    float64
	}{
		{tag.Meal, 35, true, 35},
		{tag.Meal, 95, true, 60},
		{tag.Meal, 0, false, 60},
		{tag.Takeout, 40, true, 10},
		{tag.WorkZone, 40, true, 0},
	}
	for _, tt := range durations {
		if got := c.MealDuration(tt.code, tt.toNext, tt.hasNext); got != tt.want {
			t.Errorf("MealDuration(%s, %v) = %v, want %v", tt.code, tt.toNext, got, tt.want)
		}
	}

	thresholds := map[string]float64{"critical": 0.98, "HIGH": 0.95, "medium": 0.90, "low": 0.5, "other": 0.90}
	for tier, want := range thresholds {
		if got := c.ConfidenceThreshold(tier); got != want {
			t.Errorf("ConfidenceThreshold(%s) = %v, want %v", tier, got, want)
		}
	}
}

func TestUpdateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rule_settings.json")
	c, n := newClassifier(t, WithSettingsPath(path))

	u := c.UpdateConfig(map[string]float64{"meal_max_duration_minutes": 30, "colour": 1})
	if !u.OK() {
		t.Fatalf("update failed: %v", u.Err)
	}
	if diff := cmp.Diff([]string{"meal_max_duration_minutes"}, u.Applied); diff != "" {
		t.Errorf("applied mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"colour"}, u.Unknown); diff != "" {
		t.Errorf("unknown mismatch:\n%s", diff)
	}
	if got := c.Config().MealMaxMinutes; got != 30 {
		t.Errorf("running meal cap = %v", got)
	}
	if got := ruleengine.LoadSettings(path, quiet()).Config.MealMaxMinutes; got != 30 {
		t.Errorf("persisted meal cap = %v", got)
	}

	states, err := c.ClassifySequence(context.Background(),
		day(n, 10, stamp{tag.Meal, 12, 0}, stamp{tag.WorkZone, 13, 30}), "")
	if err != nil {
		t.Fatal(err)
	}
	if got := states[0].Evidence()[0].Metadata["duration_minutes"]; got != 30.0 {
		t.Errorf("meal duration after update = %v, want 30", got)
	}

	bad := c.UpdateConfig(map[string]float64{"critical_confidence": 1.5})
	if bad.OK() || len(bad.Applied) != 0 {
		t.Errorf("invalid update = %+v", bad)
	}
	if got := c.Config().Critical; got != 0.98 {
		t.Errorf("critical after rejected update = %v", got)
	}
}
