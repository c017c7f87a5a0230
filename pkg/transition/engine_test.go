package transition

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ruleList is a RuleSet over a fixed slice.
type ruleList []rules.Rule

func (l ruleList) ApplicableRules(from string, ctx rules.Context) []rules.Rule {
	var out []rules.Rule
	for _, r := range l {
		if r.Applies(from, ctx) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func (l ruleList) Active() []rules.Rule {
	var out []rules.Rule
	for _, r := range l {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

func at(h, m int) time.Time {
	return time.Date(2025, time.March, 10, h, m, 0, 0, time.UTC)
}

func lunchWindow() rules.TimeWindow {
	return rules.TimeWindow{Start: timenorm.NewClock(11, 0), End: timenorm.NewClock(13, 0)}
}

func lunchRules() ruleList {
	return ruleList{
		{ID: "weak_lunch", From: "work", To: "lunch", BaseProbability: 0.3, Confidence: 40, Active: true,
			Conditions: rules.Conditions{lunchWindow()}},
		{ID: "work_lunch", From: "work", To: "lunch", BaseProbability: 0.8, Confidence: 90, Active: true,
			Conditions: rules.Conditions{lunchWindow()}},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestStrength(t *testing.T) {
	midnight := rules.TimeWindow{Start: timenorm.NewClock(23, 30), End: timenorm.NewClock(1, 0)}
	tests := []struct {
		name string
		c    rules.Condition
		ctx  rules.Context
		want float64
	}{
		{"window centre", lunchWindow(), rules.Context{Time: at(12, 0)}, 1},
		{"window edge floored", lunchWindow(), rules.Context{Time: at(11, 0)}, 0.7},
		{"an hour outside", lunchWindow(), rules.Context{Time: at(14, 0)}, 0.4},
		{"far outside", lunchWindow(), rules.Context{Time: at(20, 0)}, 0},
		{"no time", lunchWindow(), rules.Context{}, 0},
		{"wrapping window centre", midnight, rules.Context{Time: at(0, 15)}, 1},
		{"location substring", rules.LocationPattern{Pattern: "CAFETERIA"}, rules.Context{Location: "B1 Cafeteria"}, 1},
		{"location token", rules.LocationPattern{Pattern: "MAIN HALL"}, rules.Context{Location: "EAST HALL 2"}, 0.7},
		{"location miss", rules.LocationPattern{Pattern: "LOUNGE"}, rules.Context{Location: "LINE-A"}, 0},
		{"location empty", rules.LocationPattern{Pattern: "LOUNGE"}, rules.Context{}, 0},
		{"dwell exceeded by half", rules.MinDwell{Minutes: 20}, rules.Context{Dwell: 30}, 0.85},
		{"dwell far exceeded", rules.MinDwell{Minutes: 20}, rules.Context{Dwell: 100}, 1},
		{"dwell half reached", rules.MinDwell{Minutes: 20}, rules.Context{Dwell: 10}, 0.25},
		{"dwell zero minimum", rules.MinDwell{}, rules.Context{}, 1},
		{"tag match", rules.TagCodeIs{Code: "G1"}, rules.Context{Code: "G1"}, 1},
		{"tag miss", rules.TagCodeIs{Code: "G1"}, rules.Context{Code: "G2"}, 0},
		{"weekday", rules.DayOfWeek{Day: time.Monday}, rules.Context{Time: at(9, 0)}, 1},
		{"other weekday", rules.DayOfWeek{Day: time.Friday}, rules.Context{Time: at(9, 0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strength(tt.c, tt.ctx); !approx(got, tt.want) {
				t.Errorf("Strength = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionWeight(t *testing.T) {
	if got := ConditionWeight(nil, rules.Context{}); got != 1 {
		t.Errorf("no conditions = %v, want 1", got)
	}
	conds := []rules.Condition{lunchWindow(), rules.LocationPattern{Pattern: "MAIN CAFETERIA"}}
	ctx := rules.Context{Time: at(12, 0), Location: "B1 CAFETERIA"}
	if got := ConditionWeight(conds, ctx); !approx(got, 0.85) {
		t.Errorf("mean strength = %v, want 0.85", got)
	}
}

func TestPredict(t *testing.T) {
	e := New(lunchRules(), hmm.New(""), WithLogger(quiet()))
	uniform := 1.0 / float64(len(hmm.States))

	got := e.Predict(hmm.Work, rules.Context{Time: at(12, 0)}, 0)
	if len(got) != 5 {
		t.Fatalf("got %d predictions, want 5", len(got))
	}
	wantTop := Prediction{State: hmm.Lunch, RuleID: "work_lunch", Source: SourceRule, Confidence: 90,
		Probability: 0.8 / (0.8 + 16*uniform)}
	if diff := cmp.Diff(wantTop, got[0], cmp.Comparer(approx)); diff != "" {
		t.Errorf("top prediction mismatch (-want +got):\n%s", diff)
	}
	for _, p := range got[1:] {
		if p.Source != SourceHMM || p.Confidence != 70 || p.Probability >= got[0].Probability {
			t.Errorf("fallback prediction = %+v", p)
		}
	}

	all := e.Predict(hmm.Work, rules.Context{Time: at(12, 0)}, 100)
	var sum float64
	for _, p := range all {
		sum += p.Probability
	}
	if len(all) != len(hmm.States) || !approx(sum, 1) {
		t.Errorf("%d candidates summing to %v", len(all), sum)
	}

	evening := e.Predict(hmm.Work, rules.Context{Time: at(19, 0)}, 3)
	for _, p := range evening {
		if p.Source != SourceHMM || !approx(p.Probability, uniform) {
			t.Errorf("outside the window = %+v", p)
		}
	}
}

func TestPredictWithoutModel(t *testing.T) {
	got := New(lunchRules(), nil, WithLogger(quiet())).Predict(hmm.Work, rules.Context{Time: at(12, 0)}, 5)
	if len(got) != 1 || got[0].State != hmm.Lunch || !approx(got[0].Probability, 1) {
		t.Errorf("rules only = %+v", got)
	}
	if got := New(nil, nil).Predict(hmm.Work, rules.Context{}, 5); len(got) != 0 {
		t.Errorf("empty engine predicted %v", got)
	}
}

func TestApplyTransition(t *testing.T) {
	m := hmm.New("")
	if err := m.SetTransition(hmm.Work, hmm.NonWork, 0); err != nil {
		t.Fatal(err)
	}
	m.NormalizeRow(hmm.Work)
	stamp := at(18, 0)
	e := New(lunchRules(), m, WithLogger(quiet()), WithHistoryLimit(2), WithClock(func() time.Time { return stamp }))

	rec := e.ApplyTransition(hmm.Work, hmm.NonWork, rules.Context{Time: at(19, 0)})
	if rec.Source != SourceUnexpected || rec.Probability != 0.01 || rec.Confidence != 50 || rec.RuleID != "" {
		t.Errorf("unexpected transition = %+v", rec)
	}
	rec = e.ApplyTransition(hmm.Work, hmm.Lunch, rules.Context{Time: at(12, 0)})
	if rec.Source != SourceRule || rec.RuleID != "work_lunch" || !rec.At.Equal(stamp) {
		t.Errorf("rule transition = %+v", rec)
	}
	rec = e.ApplyTransition(hmm.Work, hmm.Rest, rules.Context{Time: at(19, 0)})
	if rec.Source != SourceHMM || rec.Confidence != 70 {
		t.Errorf("matrix transition = %+v", rec)
	}

	h := e.History()
	if len(h) != 2 || h[0].To != hmm.Lunch || h[1].To != hmm.Rest {
		t.Errorf("history = %+v", h)
	}
	want := map[Pair]int{{hmm.Work, hmm.Lunch}: 1, {hmm.Work, hmm.Rest}: 1}
	if diff := cmp.Diff(want, e.TransitionCounts()); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

// Editing a rule's confidence and re-syncing moves its matrix cell while
// the row stays stochastic.
func TestUpdateHMMFromRulesAfterEdit(t *testing.T) {
	ctx := context.Background()
	store := rules.NewFileStore(filepath.Join(t.TempDir(), "rules.json"), quiet())
	mgr, err := rules.NewManager(ctx, store, rules.WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(ctx, rules.Rule{ID: "work_lunch", From: "work", To: "lunch",
		BaseProbability: 0.7, Confidence: 50, Active: true}); err != nil {
		t.Fatal(err)
	}

	m := hmm.New("")
	ri, _ := m.StateIndex(hmm.Rest)
	restBefore := m.TransitionMatrix()[ri]
	e := New(mgr, m, WithLogger(quiet()))
	if n := e.UpdateHMMFromRules(); n != 1 {
		t.Fatalf("updated %d cells, want 1", n)
	}
	first := m.Transition(hmm.Work, hmm.Lunch)

	r, err := mgr.Get("work_lunch")
	if err != nil {
		t.Fatal(err)
	}
	r.Confidence = 95
	if _, err := mgr.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	e.UpdateHMMFromRules()
	second := m.Transition(hmm.Work, hmm.Lunch)

	if second <= first {
		t.Errorf("cell went from %v to %v, want an increase", first, second)
	}
	if rep := m.Validate(); !rep.Valid() {
		t.Errorf("matrix invalid after update: %v", rep.Issues)
	}
	wi, _ := m.StateIndex(hmm.Work)
	var sum float64
	for _, p := range m.TransitionMatrix()[wi] {
		sum += p
	}
	if !approx(sum, 1) {
		t.Errorf("work row sums to %v", sum)
	}
	if diff := cmp.Diff(restBefore, m.TransitionMatrix()[ri]); diff != "" {
		t.Errorf("untouched row changed:\n%s", diff)
	}
}

func TestUpdateHMMFromRulesSkipsUnknownStates(t *testing.T) {
	rs := ruleList{
		{ID: "coffee", From: "work", To: "coffee", BaseProbability: 0.5, Confidence: 80, Active: true},
		{ID: "off", From: "work", To: "rest", BaseProbability: 0.5, Confidence: 80},
	}
	m := hmm.New("")
	before := m.Revision()
	if n := New(rs, m, WithLogger(quiet())).UpdateHMMFromRules(); n != 0 {
		t.Errorf("updated %d cells, want 0", n)
	}
	if m.Revision() != before {
		t.Error("model changed")
	}
}

func TestGraph(t *testing.T) {
	rs := append(lunchRules(), rules.Rule{ID: "lunch_work", From: "lunch", To: "work", BaseProbability: 0.6, Confidence: 80, Active: true},
		rules.Rule{ID: "retired", From: "rest", To: "non_work", BaseProbability: 0.2, Confidence: 10})
	g := New(rs, nil).Graph()
	want := []Node{{ID: "lunch", Label: "lunch"}, {ID: "work", Label: "work"}}
	if diff := cmp.Diff(want, g.Nodes); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	if len(g.Edges) != 3 {
		t.Fatalf("got %d edges, want 3", len(g.Edges))
	}
	if e := g.Edges[1]; e.RuleID != "work_lunch" || e.Conditions != 1 || e.Probability != 0.8 {
		t.Errorf("edge = %+v", e)
	}
}
