package confidence

import (
	"math"
	"testing"
)

func TestWeightedConfidence(t *testing.T) {
	tests := []struct {
		name     string
		evidence []Evidence
		want     float64
	}{
		{"empty", nil, 0},
		{"zero weights", []Evidence{{Kind: KindRule, Weight: 0}}, 0},
		{"rule only", []Evidence{{Kind: KindRule, Weight: 1}}, 0.95},
		{"rule and probability", []Evidence{{Kind: KindRule, Weight: 1}, {Kind: KindProbability, Weight: 1}}, 0.85},
		{"context weighted", []Evidence{{Kind: KindContext, Weight: 0.5}, {Kind: KindProbability, Weight: 1.5}}, (0.5*0.65 + 1.5*0.75) / 2},
		{"unknown kind", []Evidence{{Kind: "hunch", Weight: 1}}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeightedConfidence(tt.evidence); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("WeightedConfidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdjustByConsistency(t *testing.T) {
	mk := func(st State) *StateWithConfidence {
		s, err := New(st, 0.9)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	seq := []*StateWithConfidence{mk(Work), mk(Work), mk(Work), mk(Meal), mk(Work), nil}

	out := AdjustByConsistency(seq, 5)
	if len(out) != len(seq) {
		t.Fatalf("len = %d, want %d", len(out), len(seq))
	}
	if out[5] != nil {
		t.Error("nil slot should stay nil")
	}

	// index 3 window is [1..5]: WORK, WORK, MEAL, WORK, nil, so ratio 1/4.
	meal := out[3]
	if want := 0.9 + (0.25-0.5)*0.2; math.Abs(meal.Confidence()-want) > 1e-9 {
		t.Errorf("isolated MEAL confidence = %v, want %v", meal.Confidence(), want)
	}
	// index 0 window is [0..2], all WORK.
	if want := 1.0; math.Abs(out[0].Confidence()-want) > 1e-9 {
		t.Errorf("consistent WORK confidence = %v, want %v", out[0].Confidence(), want)
	}
	ctx := out[0].EvidenceOfKind(KindContext)
	if len(ctx) != 1 || ctx[0].Weight != 0.3 {
		t.Errorf("context evidence = %+v", ctx)
	}
	if len(seq[0].Evidence()) != 0 {
		t.Error("input state was mutated")
	}

	short := seq[:3]
	if got := AdjustByConsistency(short, 5); &got[0] != &short[0] {
		t.Error("short sequence should be returned unchanged")
	}
}
