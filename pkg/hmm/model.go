// Package hmm implements the hidden Markov model over work-activity states:
// parameter tables, Baum-Welch training and Viterbi decoding.
package hmm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
)

// State is a hidden activity state of the model.
type State string

// Hidden states, in table order.
const (
	Work               State = "work"
	FocusedWork        State = "focused_work"
	EquipmentOperation State = "equipment_operation"
	Meeting            State = "meeting"
	WorkPreparation    State = "work_preparation"
	Education          State = "education"
	Breakfast          State = "breakfast"
	Lunch              State = "lunch"
	Dinner             State = "dinner"
	MidnightMeal       State = "midnight_meal"
	Movement           State = "movement"
	DayClockIn         State = "day_clock_in"
	DayClockOut        State = "day_clock_out"
	NightClockIn       State = "night_clock_in"
	NightClockOut      State = "night_clock_out"
	Rest               State = "rest"
	NonWork            State = "non_work"
)

// States lists every hidden state in table order.
var States = []State{
	Work, FocusedWork, EquipmentOperation, Meeting, WorkPreparation, Education,
	Breakfast, Lunch, Dinner, MidnightMeal, Movement,
	DayClockIn, DayClockOut, NightClockIn, NightClockOut, Rest, NonWork,
}

var activity = map[State]confidence.State{
	Work:               confidence.Work,
	FocusedWork:        confidence.Work,
	EquipmentOperation: confidence.WorkConfirmed,
	Meeting:            confidence.Meeting,
	WorkPreparation:    confidence.Preparation,
	Education:          confidence.Education,
	Breakfast:          confidence.Meal,
	Lunch:              confidence.Meal,
	Dinner:             confidence.Meal,
	MidnightMeal:       confidence.Meal,
	Movement:           confidence.Transit,
	DayClockIn:         confidence.Entry,
	NightClockIn:       confidence.Entry,
	DayClockOut:        confidence.Exit,
	NightClockOut:      confidence.Exit,
	Rest:               confidence.Rest,
	NonWork:            confidence.NonWork,
}

// Activity maps a hidden state onto the classifier's activity states.
func (s State) Activity() confidence.State {
	if a, ok := activity[s]; ok {
		return a
	}
	return confidence.NonWork
}

func (s State) isMeal() bool {
	return s == Breakfast || s == Lunch || s == Dinner || s == MidnightMeal
}

func (s State) isClockIn() bool  { return s == DayClockIn || s == NightClockIn }
func (s State) isClockOut() bool { return s == DayClockOut || s == NightClockOut }

// Floor keeps probabilities away from zero before logarithms and products.
const Floor = 1e-10

// Tolerance is the allowed deviation of a stochastic row sum from 1.
const Tolerance = 1e-3

// RuleSource supplies conditional transition rules. *rules.Manager satisfies it.
type RuleSource interface {
	ApplicableRules(from string, ctx rules.Context) []rules.Rule
}

// Model holds the state alphabet and the initial, transition and per-feature
// emission tables. A Model is safe for concurrent reads; mutating methods
// must not run concurrently with decoding or training of the same Model.
type Model struct {
	rules      RuleSource
	emission   map[Feature][][]float64
	vocabulary map[Feature][]string
	index      map[Feature]map[string]int
	stateIndex map[State]int
	name       string
	transition [][]float64
	initial    []float64
	revision   uint64
}

// Initializer fills a model's tables.
type Initializer func(*Model)

// New returns a model with uniform tables.
func New(name string) *Model {
	if name == "" {
		name = "work_activity_hmm"
	}
	m := &Model{
		name:       name,
		stateIndex: make(map[State]int, len(States)),
		vocabulary: make(map[Feature][]string, len(Features)),
		index:      make(map[Feature]map[string]int, len(Features)),
	}
	for i, s := range States {
		m.stateIndex[s] = i
	}
	for _, f := range Features {
		m.vocabulary[f] = slices.Clone(fixedVocabulary[f])
	}
	m.reindex()
	m.Initialize(Uniform())
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// NumStates returns the number of hidden states.
func (m *Model) NumStates() int { return len(States) }

// StateIndex returns the table row of s.
func (m *Model) StateIndex(s State) (int, bool) {
	i, ok := m.stateIndex[s]
	return i, ok
}

// SetRules attaches the rule source consulted by
// TransitionProbabilityWithConditions. A nil source detaches it.
func (m *Model) SetRules(src RuleSource) { m.rules = src }

// Rules returns the attached rule source, if any.
func (m *Model) Rules() RuleSource { return m.rules }

// Initialize replaces every table using init.
func (m *Model) Initialize(init Initializer) {
	init(m)
	m.revision++
}

// Revision changes whenever a table is modified. It restarts with every
// process; use Digest to identify the tables across processes.
func (m *Model) Revision() uint64 { return m.revision }

// Digest is a SHA-256 over the vocabularies and the initial, transition and
// emission tables.
func (m *Model) Digest() string {
	h := sha256.New()
	var buf []byte
	writeRows := func(rows ...[]float64) {
		for _, row := range rows {
			buf = buf[:0]
			for _, v := range row {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
			}
			h.Write(buf)
			h.Write([]byte{'\n'})
		}
	}
	writeRows(m.initial)
	writeRows(m.transition...)
	for _, f := range Features {
		h.Write([]byte(f))
		h.Write([]byte{0})
		for _, v := range m.vocabulary[f] {
			h.Write([]byte(v))
			h.Write([]byte{0x1f})
		}
		writeRows(m.emission[f]...)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Uniform gives every row equal probabilities.
func Uniform() Initializer {
	return func(m *Model) {
		n := len(States)
		m.transition = filled(n, n, 1/float64(n))
		m.initial = make([]float64, n)
		for i := range m.initial {
			m.initial[i] = 1 / float64(n)
		}
		m.emission = make(map[Feature][][]float64, len(Features))
		for _, f := range Features {
			m.emission[f] = m.uniformEmission(f)
		}
	}
}

// Random draws every table from a seeded source and row-normalizes it.
func Random(seed uint64) Initializer {
	return func(m *Model) {
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		draw := func(rows, cols int) [][]float64 {
			out := make([][]float64, rows)
			for i := range out {
				out[i] = make([]float64, cols)
				for j := range out[i] {
					out[i][j] = 0.1 + rng.Float64()
				}
				normalize(out[i])
			}
			return out
		}
		n := len(States)
		m.transition = draw(n, n)
		m.initial = draw(1, n)[0]
		m.emission = make(map[Feature][][]float64, len(Features))
		for _, f := range Features {
			m.emission[f] = draw(n, m.width(f))
		}
	}
}

// DomainKnowledge seeds the tables with typical shift, meal and meeting flow.
func DomainKnowledge() Initializer {
	return func(m *Model) {
		n := len(States)
		m.transition = make([][]float64, n)
		for i, from := range States {
			m.transition[i] = make([]float64, n)
			for j, to := range States {
				m.transition[i][j] = priorTransition(from, to)
			}
			normalize(m.transition[i])
		}

		// Clock-in 0.3 split across both shifts, work 0.2, movement 0.1,
		// the remaining 0.4 spread evenly.
		m.initial = make([]float64, n)
		other := float64(n - 4)
		for i, s := range States {
			switch {
			case s.isClockIn():
				m.initial[i] = 0.15
			case s == Work:
				m.initial[i] = 0.2
			case s == Movement:
				m.initial[i] = 0.1
			default:
				m.initial[i] = 0.4 / other
			}
		}

		m.emission = make(map[Feature][][]float64, len(Features))
		for _, f := range Features {
			m.emission[f] = m.priorEmission(f)
		}
	}
}

func priorTransition(from, to State) float64 {
	switch {
	case from.isClockIn():
		switch {
		case to == Work:
			return 0.4
		case to == Movement:
			return 0.3
		case to == Breakfast:
			return 0.2
		}
	case from == Work:
		switch to {
		case FocusedWork:
			return 0.3
		case Meeting, Movement:
			return 0.2
		case Rest:
			return 0.1
		}
	case from == Breakfast:
		switch to {
		case Work:
			return 0.5
		case Movement:
			return 0.3
		}
	case from == Lunch:
		switch to {
		case Work:
			return 0.6
		case Rest:
			return 0.2
		}
	case from == Dinner:
		switch {
		case to == Work:
			return 0.4
		case to.isClockOut():
			return 0.15
		}
	case from == MidnightMeal:
		switch {
		case to == Work:
			return 0.5
		case to.isClockOut():
			return 0.1
		}
	case from == Movement:
		switch {
		case to == Work:
			return 0.2
		case to.isMeal():
			return 0.1
		}
	case from == EquipmentOperation && to == EquipmentOperation:
		return 0.6
	}
	if from == to {
		return 0.3
	}
	return 0.01
}

func (m *Model) priorEmission(f Feature) [][]float64 {
	e := m.uniformEmission(f)
	switch f {
	case FeatureCafeteria:
		for i, s := range States {
			if s.isMeal() {
				e[i][0], e[i][1] = 0.1, 0.9
			}
		}
	case FeatureShift:
		for i, s := range States {
			if s == MidnightMeal || s == NightClockIn || s == NightClockOut {
				e[i][0], e[i][1] = 0.2, 0.8
			}
		}
	case FeatureTimePeriod:
		for i, s := range States {
			var favored string
			switch s {
			case Breakfast:
				favored = "early_morning"
			case Lunch:
				favored = "afternoon"
			case Dinner:
				favored = "evening"
			case MidnightMeal:
				favored = "night"
			default:
				continue
			}
			j := m.index[f][favored]
			e[i][j] += 0.5
			normalize(e[i])
		}
	}
	return e
}

func (m *Model) uniformEmission(f Feature) [][]float64 {
	w := m.width(f)
	if w == 0 {
		return make([][]float64, len(States))
	}
	return filled(len(States), w, 1/float64(w))
}

func (m *Model) width(f Feature) int {
	return len(m.vocabulary[f])
}

// Transition returns the static matrix cell from → to.
func (m *Model) Transition(from, to State) float64 {
	i, ok := m.stateIndex[from]
	j, ok2 := m.stateIndex[to]
	if !ok || !ok2 {
		return 0
	}
	return m.transition[i][j]
}

// SetTransition overwrites one matrix cell. Call NormalizeRow afterwards.
func (m *Model) SetTransition(from, to State, p float64) error {
	i, ok := m.stateIndex[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	j, ok := m.stateIndex[to]
	if !ok {
		return fmt.Errorf("unknown state %q", to)
	}
	if p < 0 || math.IsNaN(p) {
		return fmt.Errorf("transition %s→%s: invalid probability %v", from, to, p)
	}
	m.transition[i][j] = p
	m.revision++
	return nil
}

// NormalizeRow rescales the row of from to sum to 1.
func (m *Model) NormalizeRow(from State) {
	if i, ok := m.stateIndex[from]; ok {
		normalize(m.transition[i])
	}
}

// TransitionMatrix returns a copy of the transition table.
func (m *Model) TransitionMatrix() [][]float64 { return cloneMatrix(m.transition) }

// Initial returns a copy of the initial distribution.
func (m *Model) Initial() []float64 { return slices.Clone(m.initial) }

// Emission returns a copy of the emission table of f.
func (m *Model) Emission(f Feature) [][]float64 { return cloneMatrix(m.emission[f]) }

// Vocabulary returns the observation values of f, in column order.
func (m *Model) Vocabulary(f Feature) []string { return slices.Clone(m.vocabulary[f]) }

// TransitionProbabilityWithConditions returns the base probability of the
// most confident applicable rule for from → to, or the static matrix cell
// when no rule source is attached or no rule applies.
func (m *Model) TransitionProbabilityWithConditions(from, to State, ctx rules.Context) float64 {
	i, ok := m.stateIndex[from]
	j, ok2 := m.stateIndex[to]
	if !ok || !ok2 {
		return 0
	}
	row, _ := m.conditionalRow(i, ctx)
	return row[j]
}

// conditionalRow returns the outgoing probabilities of state i under ctx and,
// per target, the rule that set the cell. Rows without an applicable rule
// are the shared matrix row and must not be modified.
func (m *Model) conditionalRow(i int, ctx rules.Context) ([]float64, []*rules.Rule) {
	if m.rules == nil {
		return m.transition[i], nil
	}
	applicable := m.rules.ApplicableRules(string(States[i]), ctx)
	if len(applicable) == 0 {
		return m.transition[i], nil
	}
	row := slices.Clone(m.transition[i])
	by := make([]*rules.Rule, len(row))
	for k := range applicable {
		r := &applicable[k]
		j, ok := m.stateIndex[State(r.To)]
		if !ok || by[j] != nil {
			continue
		}
		row[j] = r.BaseProbability
		by[j] = r
	}
	return row, by
}

// ExtendVocabulary appends unseen values of f as new emission columns. New
// columns start at the row's mean mass and every row is renormalized. Values
// past MaxVocabulary are ignored.
func (m *Model) ExtendVocabulary(f Feature, values []string) int {
	if len(fixedVocabulary[f]) > 0 {
		return 0
	}
	var added []string
	seen := m.index[f]
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" || slices.Contains(added, v) {
			continue
		}
		added = append(added, v)
	}
	slices.Sort(added)
	if room := MaxVocabulary - len(m.vocabulary[f]); len(added) > room {
		added = added[:max(room, 0)]
	}
	if len(added) == 0 {
		return 0
	}

	e := m.emission[f]
	for i := range e {
		fill := 1.0 / float64(len(m.vocabulary[f])+len(added))
		if len(e[i]) > 0 {
			fill = floats.Sum(e[i]) / float64(len(e[i]))
		}
		for range added {
			e[i] = append(e[i], fill)
		}
		normalize(e[i])
	}
	m.vocabulary[f] = append(m.vocabulary[f], added...)
	m.reindex()
	m.revision++
	return len(added)
}

func (m *Model) reindex() {
	for _, f := range Features {
		idx := make(map[string]int, len(m.vocabulary[f]))
		for i, v := range m.vocabulary[f] {
			idx[v] = i
		}
		m.index[f] = idx
	}
}

// ValidationReport lists every table row that is not stochastic.
type ValidationReport struct {
	Issues []string `json:"issues,omitempty"`
}

// Valid reports whether no issues were found.
func (r ValidationReport) Valid() bool { return len(r.Issues) == 0 }

// Validate checks that the initial vector and every row of the transition
// and emission tables sum to 1 within Tolerance. Emission tables with no
// vocabulary yet are skipped.
func (m *Model) Validate() ValidationReport {
	var rep ValidationReport
	check := func(what string, row []float64) {
		for _, p := range row {
			if p < 0 || math.IsNaN(p) {
				rep.Issues = append(rep.Issues, fmt.Sprintf("%s has invalid probability %v", what, p))
				return
			}
		}
		if s := floats.Sum(row); math.Abs(s-1) > Tolerance {
			rep.Issues = append(rep.Issues, fmt.Sprintf("%s sums to %.6f", what, s))
		}
	}
	check("initial probabilities", m.initial)
	for i, row := range m.transition {
		check(fmt.Sprintf("transition row %s", States[i]), row)
	}
	for _, f := range Features {
		if m.width(f) == 0 {
			continue
		}
		for i, row := range m.emission[f] {
			check(fmt.Sprintf("emission %s row %s", f, States[i]), row)
		}
	}
	return rep
}

type snapshot struct {
	Emission   map[Feature][][]float64 `json:"emission_matrix"`
	Vocabulary map[Feature][]string    `json:"vocabulary"`
	Name       string                  `json:"model_name"`
	States     []State                 `json:"states"`
	Features   []Feature               `json:"features"`
	Transition [][]float64             `json:"transition_matrix"`
	Initial    []float64               `json:"initial_probabilities"`
}

// Save writes the model as a JSON document.
func (m *Model) Save(w io.Writer) error {
	snap := snapshot{
		Name:       m.name,
		States:     States,
		Features:   Features,
		Transition: m.transition,
		Emission:   m.emission,
		Vocabulary: m.vocabulary,
		Initial:    m.initial,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}
	return nil
}

// Load reads a model written by Save. The state list must match States.
func Load(r io.Reader) (*Model, error) {
	var snap snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	if !slices.Equal(snap.States, States) {
		return nil, fmt.Errorf("model states %v do not match this build", snap.States)
	}
	n := len(States)
	if err := checkShape("transition_matrix", snap.Transition, n, n); err != nil {
		return nil, err
	}
	if len(snap.Initial) != n {
		return nil, fmt.Errorf("initial_probabilities has %d entries, want %d", len(snap.Initial), n)
	}

	m := New(snap.Name)
	m.transition = snap.Transition
	m.initial = snap.Initial
	for _, f := range Features {
		if v, ok := snap.Vocabulary[f]; ok {
			m.vocabulary[f] = v
		}
		e, ok := snap.Emission[f]
		if !ok {
			continue
		}
		if err := checkShape(fmt.Sprintf("emission_matrix[%s]", f), e, n, len(m.vocabulary[f])); err != nil {
			return nil, err
		}
		m.emission[f] = e
	}
	m.reindex()
	for _, f := range Features {
		if len(m.emission[f]) != n || (len(m.emission[f][0]) != m.width(f)) {
			m.emission[f] = m.uniformEmission(f)
		}
	}
	return m, nil
}

var errShape = errors.New("table shape mismatch")

func checkShape(name string, t [][]float64, rows, cols int) error {
	if len(t) != rows {
		return fmt.Errorf("%s: %w: %d rows, want %d", name, errShape, len(t), rows)
	}
	for i, row := range t {
		if len(row) != cols {
			return fmt.Errorf("%s: %w: row %d has %d columns, want %d", name, errShape, i, len(row), cols)
		}
	}
	return nil
}

// String summarizes the model.
func (m *Model) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d states", m.name, len(States))
	for _, f := range Features {
		fmt.Fprintf(&sb, ", %s=%d", f, m.width(f))
	}
	return sb.String()
}

func filled(rows, cols int, v float64) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		for j := range out[i] {
			out[i][j] = v
		}
	}
	return out
}

// normalize rescales row to sum to 1; an all-zero row is left alone.
func normalize(row []float64) {
	if s := floats.Sum(row); s > 0 {
		floats.Scale(1/s, row)
	}
}

func cloneMatrix(t [][]float64) [][]float64 {
	out := make([][]float64, len(t))
	for i := range t {
		out[i] = slices.Clone(t[i])
	}
	return out
}
