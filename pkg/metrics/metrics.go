// Package metrics exposes Prometheus instruments for classification,
// decoding and training. A nil *Metrics records nothing.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Tag classification sources.
const (
	SourceRule       = "rule"
	SourceDecoder    = "decoder"
	SourceUnresolved = "unresolved"
)

// Metrics holds the instruments, registered on their own registry.
type Metrics struct {
	registry           *prometheus.Registry
	tagsClassified     *prometheus.CounterVec
	sequences          *prometheus.CounterVec
	classifyDuration   prometheus.Histogram
	decodeCache        *prometheus.CounterVec
	validationIssues   prometheus.Counter
	trainingIterations prometheus.Counter
	logLikelihood      prometheus.Gauge
	activeRules        prometheus.Gauge
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		tagsClassified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tagflow_tags_classified_total",
			Help: "Tags classified, by the component that produced the state",
		}, []string{"source"}),
		sequences: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tagflow_sequences_total",
			Help: "Employee-day sequences processed, by outcome",
		}, []string{"result"}),
		classifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagflow_classify_duration_seconds",
			Help:    "Time to classify one employee-day sequence",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		decodeCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tagflow_decode_cache_total",
			Help: "Decode cache lookups, by result",
		}, []string{"result"}),
		validationIssues: f.NewCounter(prometheus.CounterOpts{
			Name: "tagflow_validation_issues_total",
			Help: "Issues found by sequence validation",
		}),
		trainingIterations: f.NewCounter(prometheus.CounterOpts{
			Name: "tagflow_training_iterations_total",
			Help: "Baum-Welch iterations run",
		}),
		logLikelihood: f.NewGauge(prometheus.GaugeOpts{
			Name: "tagflow_training_log_likelihood",
			Help: "Total log-likelihood after the latest training iteration",
		}),
		activeRules: f.NewGauge(prometheus.GaugeOpts{
			Name: "tagflow_active_rules",
			Help: "Active conditional transition rules",
		}),
	}
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TagClassified counts one tag under source.
func (m *Metrics) TagClassified(source string) {
	if m != nil {
		m.tagsClassified.WithLabelValues(source).Inc()
	}
}

// SequenceDone records one sequence and how long it took.
func (m *Metrics) SequenceDone(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sequences.WithLabelValues(result).Inc()
	m.classifyDuration.Observe(d.Seconds())
}

// CacheLookup records a decode cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.decodeCache.WithLabelValues(result).Inc()
}

// ValidationIssues adds n validation issues.
func (m *Metrics) ValidationIssues(n int) {
	if m != nil && n > 0 {
		m.validationIssues.Add(float64(n))
	}
}

// TrainingIteration records one EM round.
func (m *Metrics) TrainingIteration(logLikelihood float64) {
	if m == nil {
		return
	}
	m.trainingIterations.Inc()
	m.logLikelihood.Set(logLikelihood)
}

// ActiveRules sets the active rule gauge.
func (m *Metrics) ActiveRules(n int) {
	if m != nil {
		m.activeRules.Set(float64(n))
	}
}

// WriteText writes every gathered family in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
