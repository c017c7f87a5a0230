// Package transition predicts next activity states by combining the
// conditional transition rules with the HMM transition matrix, and feeds
// rule edits back into the matrix.
package transition

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
)

// Prediction sources.
const (
	SourceRule       = "rule"
	SourceHMM        = "hmm"
	SourceUnexpected = "unexpected"
)

const (
	defaultTopK         = 5
	defaultHistoryLimit = 1000
	hmmConfidence       = 70
	hmmMinProbability   = 0.01
)

// RuleSet is the read side of rules.Manager used by the engine.
type RuleSet interface {
	ApplicableRules(from string, ctx rules.Context) []rules.Rule
	Active() []rules.Rule
}

// Prediction is one candidate next state.
type Prediction struct {
	State       hmm.State `json:"state"`
	RuleID      string    `json:"rule_id,omitempty"`
	Source      string    `json:"source"`
	Probability float64   `json:"probability"`
	Confidence  int       `json:"confidence"`
}

// Record is an observed transition scored against the predictions.
type Record struct {
	At          time.Time     `json:"timestamp"`
	Context     rules.Context `json:"context"`
	From        hmm.State     `json:"from_state"`
	To          hmm.State     `json:"to_state"`
	RuleID      string        `json:"rule_id,omitempty"`
	Source      string        `json:"source"`
	Probability float64       `json:"probability"`
	Confidence  int           `json:"confidence"`
}

// Pair is a from → to state pair.
type Pair struct {
	From hmm.State
	To   hmm.State
}

// Engine scores transitions. Predict and ApplyTransition are safe for
// concurrent use; UpdateHMMFromRules writes the model and must not run
// alongside decoding.
type Engine struct {
	rules   RuleSet
	model   *hmm.Model
	logger  *slog.Logger
	now     func() time.Time
	history []Record
	limit   int
	mu      sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source for transition records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistoryLimit bounds the number of recorded transitions kept.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.limit = n }
}

// New returns an engine over rs and m.
func New(rs RuleSet, m *hmm.Model, opts ...Option) *Engine {
	e := &Engine{rules: rs, model: m, logger: slog.Default(), now: time.Now, limit: defaultHistoryLimit}
	for _, opt := range opts {
		opt(e)
	}
	if e.limit <= 0 {
		e.limit = defaultHistoryLimit
	}
	return e
}

// Predict returns the k most probable next states from current under ctx.
// k ≤ 0 means 5.
func (e *Engine) Predict(current hmm.State, ctx rules.Context, k int) []Prediction {
	if k <= 0 {
		k = defaultTopK
	}
	all := e.candidates(current, ctx)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// candidates returns every merged candidate, most probable first.
func (e *Engine) candidates(current hmm.State, ctx rules.Context) []Prediction {
	var merged []Prediction
	at := make(map[hmm.State]int)
	add := func(p Prediction) {
		i, ok := at[p.State]
		switch {
		case !ok:
			at[p.State] = len(merged)
			merged = append(merged, p)
		case p.Source == SourceRule && p.Confidence > merged[i].Confidence:
			merged[i] = p
		}
	}

	if e.rules != nil {
		for _, r := range e.rules.ApplicableRules(string(current), ctx) {
			add(Prediction{
				State:       hmm.State(r.To),
				RuleID:      r.ID,
				Source:      SourceRule,
				Probability: r.BaseProbability * ConditionWeight(r.Conditions, ctx),
				Confidence:  r.Confidence,
			})
		}
	}
	if e.model != nil {
		if i, ok := e.model.StateIndex(current); ok {
			for j, p := range e.model.TransitionMatrix()[i] {
				if p > hmmMinProbability {
					add(Prediction{State: hmm.States[j], Source: SourceHMM, Probability: p, Confidence: hmmConfidence})
				}
			}
		}
	}

	var total float64
	for _, p := range merged {
		total += p.Probability
	}
	if total > 0 {
		for i := range merged {
			merged[i].Probability /= total
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Probability > merged[j].Probability })
	return merged
}

// ApplyTransition records an observed transition. It is scored against the
// matching candidate, or recorded as unexpected at probability 0.01 and
// confidence 50 when nothing predicted it.
func (e *Engine) ApplyTransition(from, to hmm.State, ctx rules.Context) Record {
	rec := Record{
		At:          e.now(),
		Context:     ctx,
		From:        from,
		To:          to,
		Source:      SourceUnexpected,
		Probability: 0.01,
		Confidence:  50,
	}
	for _, p := range e.candidates(from, ctx) {
		if p.State == to {
			rec.Probability, rec.Confidence, rec.RuleID, rec.Source = p.Probability, p.Confidence, p.RuleID, p.Source
			break
		}
	}

	e.mu.Lock()
	e.history = append(e.history, rec)
	if over := len(e.history) - e.limit; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
	e.mu.Unlock()

	e.logger.Info("transition recorded", "from", from, "to", to, "source", rec.Source,
		"probability", rec.Probability, "rule", rec.RuleID)
	return rec
}

// History returns the recorded transitions, oldest first.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// TransitionCounts tallies the recorded transitions by state pair.
func (e *Engine) TransitionCounts() map[Pair]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Pair]int)
	for _, r := range e.history {
		out[Pair{From: r.From, To: r.To}]++
	}
	return out
}

// UpdateHMMFromRules blends every active rule into the model's transition
// matrix as p·w + prior·(1−w), with w the rule's confidence as a fraction and
// prior the current cell, then renormalizes the touched rows. It returns the
// number of cells written. Rules naming unknown states are skipped.
func (e *Engine) UpdateHMMFromRules() int {
	if e.rules == nil || e.model == nil {
		return 0
	}
	touched := make(map[hmm.State]bool)
	n := 0
	for _, r := range e.rules.Active() {
		from, to := hmm.State(r.From), hmm.State(r.To)
		_, okFrom := e.model.StateIndex(from)
		_, okTo := e.model.StateIndex(to)
		if !okFrom || !okTo {
			e.logger.Warn("rule names an unknown state", "rule", r.ID, "from", r.From, "to", r.To)
			continue
		}
		w := r.Weight()
		blended := r.BaseProbability*w + e.model.Transition(from, to)*(1-w)
		if err := e.model.SetTransition(from, to, blended); err != nil {
			e.logger.Warn("skipping rule", "rule", r.ID, "error", err)
			continue
		}
		touched[from] = true
		n++
	}
	for _, s := range hmm.States {
		if touched[s] {
			e.model.NormalizeRow(s)
		}
	}
	e.logger.Info("transition matrix updated from rules", "cells", n, "rows", len(touched))
	return n
}

// Node is a state in the rule graph.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Edge is an active rule in the rule graph.
type Edge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	RuleID      string  `json:"rule_id"`
	Probability float64 `json:"probability"`
	Confidence  int     `json:"confidence"`
	Conditions  int     `json:"conditions"`
}

// Graph is the active rule set as nodes and edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Graph returns the active rules as a graph. Nodes are sorted by id.
func (e *Engine) Graph() Graph {
	g := Graph{Nodes: []Node{}, Edges: []Edge{}}
	if e.rules == nil {
		return g
	}
	seen := make(map[string]bool)
	for _, r := range e.rules.Active() {
		for _, s := range []string{r.From, r.To} {
			if !seen[s] {
				seen[s] = true
				g.Nodes = append(g.Nodes, Node{ID: s, Label: s})
			}
		}
		g.Edges = append(g.Edges, Edge{
			Source:      r.From,
			Target:      r.To,
			RuleID:      r.ID,
			Probability: r.BaseProbability,
			Confidence:  r.Confidence,
			Conditions:  len(r.Conditions),
		})
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	return g
}
