// Package confidence holds the classified-state value type shared by the
// rule and probabilistic layers, together with the evidence that supports it.
package confidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidConfidence is returned when a confidence or weight falls outside [0,1].
var ErrInvalidConfidence = errors.New("confidence out of range")

// Thresholds for IsConfident and IsUncertain.
const (
	ConfidentAt = 0.8
	UncertainAt = 0.6
)

// State is a work-activity classification.
type State string

// Activity states.
const (
	Work          State = "WORK"
	WorkConfirmed State = "WORK_CONFIRMED"
	Preparation   State = "PREPARATION"
	Meeting       State = "MEETING"
	Education     State = "EDUCATION"
	Rest          State = "REST"
	Meal          State = "MEAL"
	Transit       State = "TRANSIT"
	Entry         State = "ENTRY"
	Exit          State = "EXIT"
	NonWork       State = "NON_WORK"
)

// States lists every activity state.
var States = []State{
	Work, WorkConfirmed, Preparation, Meeting, Education, Rest,
	Meal, Transit, Entry, Exit, NonWork,
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown activity state %q", s)
}

// Alternative is a runner-up classification.
type Alternative struct {
	State      State   `json:"state"`
	Confidence float64 `json:"confidence"`
}

// StateWithConfidence is a classification plus the evidence behind it.
// Values are built with New and only grow through AddEvidence.
type StateWithConfidence struct {
	state        State
	confidence   float64
	evidence     []Evidence
	alternatives []Alternative
	tags         []string
}

// Option configures a StateWithConfidence under construction.
type Option func(*StateWithConfidence)

// WithEvidence attaches evidence without recomputing the confidence.
func WithEvidence(ev ...Evidence) Option {
	return func(s *StateWithConfidence) {
		s.evidence = append(s.evidence, ev...)
	}
}

// WithAlternatives records runner-up states.
func WithAlternatives(alts ...Alternative) Option {
	return func(s *StateWithConfidence) {
		s.alternatives = append(s.alternatives, alts...)
	}
}

// WithTags records the tag codes that produced the state.
func WithTags(tags ...string) Option {
	return func(s *StateWithConfidence) {
		s.tags = append(s.tags, tags...)
	}
}

// New validates and builds a StateWithConfidence.
func New(state State, conf float64, opts ...Option) (*StateWithConfidence, error) {
	s := &StateWithConfidence{state: state, confidence: conf}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateWithConfidence) validate() error {
	if !inUnit(s.confidence) {
		return fmt.Errorf("%w: %s confidence %v", ErrInvalidConfidence, s.state, s.confidence)
	}
	for _, a := range s.alternatives {
		if !inUnit(a.Confidence) {
			return fmt.Errorf("%w: alternative %s confidence %v", ErrInvalidConfidence, a.State, a.Confidence)
		}
	}
	for _, e := range s.evidence {
		if !inUnit(e.Weight) {
			return fmt.Errorf("%w: evidence weight %v", ErrInvalidConfidence, e.Weight)
		}
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// State returns the classified state.
func (s *StateWithConfidence) State() State { return s.state }

// Confidence returns the confidence in [0,1].
func (s *StateWithConfidence) Confidence() float64 { return s.confidence }

// Evidence returns a copy of the attached evidence.
func (s *StateWithConfidence) Evidence() []Evidence {
	return append([]Evidence(nil), s.evidence...)
}

// Alternatives returns a copy of the runner-up states.
func (s *StateWithConfidence) Alternatives() []Alternative {
	return append([]Alternative(nil), s.alternatives...)
}

// Tags returns a copy of the contributing tag codes.
func (s *StateWithConfidence) Tags() []string {
	return append([]string(nil), s.tags...)
}

// IsConfident reports confidence >= 0.8.
func (s *StateWithConfidence) IsConfident() bool { return s.confidence >= ConfidentAt }

// IsUncertain reports confidence < 0.6.
func (s *StateWithConfidence) IsUncertain() bool { return s.confidence < UncertainAt }

// EvidenceOfKind returns the evidence items of one kind.
func (s *StateWithConfidence) EvidenceOfKind(kind EvidenceKind) []Evidence {
	var out []Evidence
	for _, e := range s.evidence {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// PrimaryEvidenceKind returns the kind of the heaviest evidence item.
func (s *StateWithConfidence) PrimaryEvidenceKind() (EvidenceKind, bool) {
	if len(s.evidence) == 0 {
		return "", false
	}
	best := s.evidence[0]
	for _, e := range s.evidence[1:] {
		if e.Weight > best.Weight {
			best = e
		}
	}
	return best.Kind, true
}

// AddEvidence appends e and recomputes the confidence as the evidence-weighted
// mean of the running confidence (see DESIGN.md, running-confidence formula).
func (s *StateWithConfidence) AddEvidence(e Evidence) error {
	if !inUnit(e.Weight) {
		return fmt.Errorf("%w: evidence weight %v", ErrInvalidConfidence, e.Weight)
	}
	s.evidence = append(s.evidence, e)

	var total, weighted float64
	for _, ev := range s.evidence {
		total += ev.Weight
		weighted += ev.Weight * s.confidence
	}
	if total > 0 {
		s.confidence = min(1.0, weighted/total)
	}
	return nil
}

// MergeWith combines two classifications of the same tag. Different states keep
// the more confident one (s on ties). Same states average the confidences and
// concatenate evidence and tags.
func (s *StateWithConfidence) MergeWith(other *StateWithConfidence) *StateWithConfidence {
	if other == nil {
		return s
	}
	if s.state != other.state {
		if other.confidence > s.confidence {
			return other
		}
		return s
	}

	sums := make(map[State]float64)
	counts := make(map[State]int)
	var order []State
	for _, a := range append(s.Alternatives(), other.alternatives...) {
		if counts[a.State] == 0 {
			order = append(order, a.State)
		}
		sums[a.State] += a.Confidence
		counts[a.State]++
	}
	alts := make([]Alternative, 0, len(order))
	for _, st := range order {
		alts = append(alts, Alternative{State: st, Confidence: sums[st] / float64(counts[st])})
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })

	return &StateWithConfidence{
		state:        s.state,
		confidence:   (s.confidence + other.confidence) / 2,
		evidence:     append(s.Evidence(), other.evidence...),
		alternatives: alts,
		tags:         append(s.Tags(), other.tags...),
	}
}

// String renders the state and confidence for logs.
func (s *StateWithConfidence) String() string {
	return fmt.Sprintf("%s (%.2f)", s.state, s.confidence)
}

type wireState struct {
	State        State         `json:"state"`
	Confidence   float64       `json:"confidence"`
	Evidence     []Evidence    `json:"evidence,omitempty"`
	Alternatives []Alternative `json:"alternative_states,omitempty"`
	Tags         []string      `json:"tag_sequence,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *StateWithConfidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{
		State:        s.state,
		Confidence:   s.confidence,
		Evidence:     s.evidence,
		Alternatives: s.alternatives,
		Tags:         s.tags,
	})
}

// UnmarshalJSON implements json.Unmarshaler and enforces the same range checks as New.
func (s *StateWithConfidence) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if _, err := ParseState(string(w.State)); err != nil {
		return err
	}
	built, err := New(w.State, w.Confidence, WithEvidence(w.Evidence...), WithAlternatives(w.Alternatives...), WithTags(w.Tags...))
	if err != nil {
		return err
	}
	*s = *built
	return nil
}

// NewRuleState builds a 0.95-confidence state backed by one full-weight rule.
func NewRuleState(state State, description string, at time.Time) *StateWithConfidence {
	return &StateWithConfidence{
		state:      state,
		confidence: 0.95,
		evidence:   []Evidence{{Kind: KindRule, Description: description, Weight: 1.0, Timestamp: at}},
	}
}

// NewProbabilisticState builds a state backed by decoder evidence.
func NewProbabilisticState(state State, probability float64, alts []Alternative, at time.Time) (*StateWithConfidence, error) {
	return New(state, probability,
		WithEvidence(Evidence{Kind: KindProbability, Description: fmt.Sprintf("decoder probability %.3f", probability), Weight: 0.8, Timestamp: at}),
		WithAlternatives(alts...))
}
