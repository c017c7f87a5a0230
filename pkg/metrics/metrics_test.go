package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.TagClassified(SourceRule)
	m.TagClassified(SourceRule)
	m.TagClassified(SourceUnresolved)
	m.SequenceDone(time.Millisecond, nil)
	m.SequenceDone(time.Millisecond, errors.New("boom"))
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.ValidationIssues(3)
	m.ValidationIssues(0)
	m.TrainingIteration(-120.5)
	m.TrainingIteration(-98.25)
	m.ActiveRules(7)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"rule tags", testutil.ToFloat64(m.tagsClassified.WithLabelValues(SourceRule)), 2},
		{"unresolved tags", testutil.ToFloat64(m.tagsClassified.WithLabelValues(SourceUnresolved)), 1},
		{"ok sequences", testutil.ToFloat64(m.sequences.WithLabelValues("ok")), 1},
		{"failed sequences", testutil.ToFloat64(m.sequences.WithLabelValues("error")), 1},
		{"cache hits", testutil.ToFloat64(m.decodeCache.WithLabelValues("hit")), 1},
		{"cache misses", testutil.ToFloat64(m.decodeCache.WithLabelValues("miss")), 2},
		{"validation issues", testutil.ToFloat64(m.validationIssues), 3},
		{"iterations", testutil.ToFloat64(m.trainingIterations), 2},
		{"log-likelihood", testutil.ToFloat64(m.logLikelihood), -98.25},
		{"active rules", testutil.ToFloat64(m.activeRules), 7},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.classifyDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.TagClassified(SourceDecoder)
	m.SequenceDone(time.Second, nil)
	m.CacheLookup(true)
	m.ValidationIssues(2)
	m.TrainingIteration(1)
	m.ActiveRules(1)
	if m.Registry() != nil {
		t.Error("nil metrics has a registry")
	}
	if err := m.WriteText(&strings.Builder{}); err != nil {
		t.Errorf("WriteText: %v", err)
	}
}

func TestWriteText(t *testing.T) {
	m := New()
	m.ActiveRules(4)
	var sb strings.Builder
	if err := m.WriteText(&sb); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "tagflow_active_rules 4") {
		t.Errorf("text output lacks the gauge:\n%s", sb.String())
	}
}
