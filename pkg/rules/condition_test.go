package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

func clockCtx(hour, minute int) Context {
	return Context{Time: time.Date(2025, time.March, 10, hour, minute, 0, 0, time.UTC)}
}

func TestMatches(t *testing.T) {
	night := TimeWindow{Start: timenorm.NewClock(22, 0), End: timenorm.NewClock(2, 0)}
	lunch := TimeWindow{Start: timenorm.NewClock(11, 20), End: timenorm.NewClock(13, 20)}

	tests := []struct {
		name string
		cond Condition
		ctx  Context
		want bool
	}{
		{"time inside", lunch, clockCtx(12, 0), true},
		{"time start inclusive", lunch, clockCtx(11, 20), true},
		{"time end inclusive", lunch, clockCtx(13, 20), true},
		{"time outside", lunch, clockCtx(14, 0), false},
		{"time wraps midnight late", night, clockCtx(23, 0), true},
		{"time wraps midnight early", night, clockCtx(1, 30), true},
		{"time wraps outside", night, clockCtx(3, 0), false},
		{"time missing", lunch, Context{}, false},
		{"location substring any case", LocationPattern{"cafeteria"}, Context{Location: "B1 CAFETERIA east"}, true},
		{"location miss", LocationPattern{"GATE"}, Context{Location: "CAFETERIA"}, false},
		{"location missing", LocationPattern{"GATE"}, Context{}, false},
		{"dwell reached", MinDwell{30}, Context{Dwell: 30}, true},
		{"dwell short", MinDwell{30}, Context{Dwell: 29.5}, false},
		{"dwell zero minimum", MinDwell{0}, Context{}, true},
		{"tag equal", TagCodeIs{"M1"}, Context{Code: "M1"}, true},
		{"tag different", TagCodeIs{"M1"}, Context{Code: "M2"}, false},
		{"weekday", DayOfWeek{time.Monday}, clockCtx(9, 0), true},
		{"other weekday", DayOfWeek{time.Friday}, clockCtx(9, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.cond, tt.ctx); got != tt.want {
				t.Errorf("Matches(%#v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestConditionsJSON(t *testing.T) {
	in := Conditions{
		TimeWindow{Start: timenorm.NewClock(23, 30), End: timenorm.NewClock(1, 0)},
		LocationPattern{Pattern: "CAFETERIA"},
		MinDwell{Minutes: 15},
		TagCodeIs{Code: "M1"},
		DayOfWeek{Day: time.Saturday},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"type":"time","start":"23:30","end":"01:00"},{"type":"location","pattern":"CAFETERIA"},` +
		`{"type":"duration","min_duration":15},{"type":"tag_code","code":"M1"},{"type":"day_of_week","day":"Saturday"}]`
	if string(data) != want {
		t.Errorf("Marshal =\n%s\nwant\n%s", data, want)
	}

	var back Conditions
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionsJSONErrors(t *testing.T) {
	inputs := []string{
		`[{"type":"time","start":"25:00","end":"01:00"}]`,
		`[{"type":"duration"}]`,
		`[{"type":"day_of_week","day":"Someday"}]`,
		`[{"type":"weather"}]`,
		`{"type":"time"}`,
	}
	for _, in := range inputs {
		var cs Conditions
		if err := json.Unmarshal([]byte(in), &cs); err == nil {
			t.Errorf("Unmarshal(%s) succeeded, want error", in)
		}
	}

	var cs Conditions
	if err := json.Unmarshal([]byte(`[{"type":"day_of_week","day":"tue"}]`), &cs); err != nil {
		t.Fatal(err)
	}
	if cs[0].(DayOfWeek).Day != time.Tuesday {
		t.Errorf("short weekday parsed as %v", cs[0])
	}
}

func TestValidate(t *testing.T) {
	good := Rule{From: "work", To: "lunch", BaseProbability: 0.5, Confidence: 80}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	tests := []struct {
		name string
		edit func(*Rule)
	}{
		{"missing from", func(r *Rule) { r.From = "" }},
		{"missing to", func(r *Rule) { r.To = " " }},
		{"probability high", func(r *Rule) { r.BaseProbability = 1.01 }},
		{"probability negative", func(r *Rule) { r.BaseProbability = -0.1 }},
		{"confidence high", func(r *Rule) { r.Confidence = 101 }},
		{"confidence negative", func(r *Rule) { r.Confidence = -1 }},
		{"negative dwell", func(r *Rule) { r.Conditions = Conditions{MinDwell{-5}} }},
		{"empty pattern", func(r *Rule) { r.Conditions = Conditions{LocationPattern{""}} }},
		{"nil condition", func(r *Rule) { r.Conditions = Conditions{nil} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.edit(&r)
			err := r.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !IsValidation(err) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}
}
