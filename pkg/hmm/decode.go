package hmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
)

// ErrDegenerate is returned when no path has a finite score.
var ErrDegenerate = errors.New("no finite-probability state path")

// Step holds the transition probabilities into one observation. Rule, when
// non-nil, names the rule that set each cell.
type Step struct {
	Prob [][]float64
	Rule [][]*rules.Rule
}

// TransitionProvider supplies the transition table used at step t ≥ 1.
type TransitionProvider interface {
	Step(m *Model, obs []Observation, t int) Step
	// Name identifies the provider in cache keys.
	Name() string
}

// Static reads the model's transition matrix.
type Static struct{}

// Step implements TransitionProvider.
func (Static) Step(m *Model, _ []Observation, _ int) Step {
	return Step{Prob: m.transition}
}

// Name implements TransitionProvider.
func (Static) Name() string { return "static" }

// RuleAware conditions every transition on the rules applicable to the
// observation being entered, through Model.TransitionProbabilityWithConditions
// semantics. Without an attached rule source it behaves like Static.
type RuleAware struct{}

// Step implements TransitionProvider.
func (RuleAware) Step(m *Model, obs []Observation, t int) Step {
	if m.rules == nil {
		return Step{Prob: m.transition}
	}
	ctx := stepContext(obs, t)
	n := len(States)
	s := Step{Prob: make([][]float64, n), Rule: make([][]*rules.Rule, n)}
	for i := range n {
		s.Prob[i], s.Rule[i] = m.conditionalRow(i, ctx)
	}
	return s
}

// Name implements TransitionProvider.
func (RuleAware) Name() string { return "rules" }

// stepContext is the rule context of obs[t]; dwell falls back to the gap
// since the previous observation.
func stepContext(obs []Observation, t int) rules.Context {
	ctx := obs[t].Context()
	if ctx.Dwell == 0 && t > 0 && !obs[t].Time.IsZero() && !obs[t-1].Time.IsZero() {
		ctx.Dwell = obs[t].Time.Sub(obs[t-1].Time).Minutes()
	}
	return ctx
}

// AppliedRule records the rule behind a winning transition.
type AppliedRule struct {
	RuleID     string `json:"rule_id"`
	From       State  `json:"from_state"`
	To         State  `json:"to_state"`
	Step       int    `json:"time"`
	Confidence int    `json:"confidence"`
	Conditions int    `json:"conditions"`
}

// Result is a decoded path. LogProbability is -Inf for empty or failed input.
type Result struct {
	Err            string
	States         []State
	Probabilities  []float64 // normalized probability of the chosen state per step
	AppliedRules   []AppliedRule
	LogProbability float64
	Confidence     float64
}

// Cache stores decode results by raw key.
type Cache interface {
	Get(raw string) (Result, bool)
	Set(raw string, r Result)
}

// Decoder runs Viterbi over a model with a pluggable transition provider.
type Decoder struct {
	model    *Model
	provider TransitionProvider
	cache    Cache
	logger   *slog.Logger

	mu        sync.Mutex
	digestRev uint64
	digest    string // of model at digestRev
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithProvider sets the transition provider. The default is Static.
func WithProvider(p TransitionProvider) DecoderOption {
	return func(d *Decoder) { d.provider = p }
}

// WithCache memoizes results.
func WithCache(c Cache) DecoderOption {
	return func(d *Decoder) { d.cache = c }
}

// WithDecoderLogger sets the logger.
func WithDecoderLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder returns a decoder over m.
func NewDecoder(m *Model, opts ...DecoderOption) *Decoder {
	d := &Decoder{model: m, provider: Static{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Model returns the decoded model.
func (d *Decoder) Model() *Model { return d.model }

// Decode returns the most probable state path for obs.
func (d *Decoder) Decode(obs []Observation) (Result, error) {
	if len(obs) == 0 {
		return Result{LogProbability: math.Inf(-1)}, nil
	}

	var key string
	if d.cache != nil {
		key = d.cacheKey(obs)
		if r, ok := d.cache.Get(key); ok {
			d.logger.Debug("decode cache hit", "length", len(obs))
			return r.clone(), nil
		}
	}

	r, err := d.viterbi(obs)
	if err != nil {
		return Result{Err: err.Error(), LogProbability: math.Inf(-1)}, err
	}
	if d.cache != nil {
		d.cache.Set(key, r.clone())
	}
	d.logger.Debug("decoded sequence", "provider", d.provider.Name(), "length", len(obs),
		"log_probability", r.LogProbability, "confidence", r.Confidence, "applied_rules", len(r.AppliedRules))
	return r, nil
}

// clone copies the slices of r so cached results are never shared.
func (r Result) clone() Result {
	r.States = slices.Clone(r.States)
	r.Probabilities = slices.Clone(r.Probabilities)
	r.AppliedRules = slices.Clone(r.AppliedRules)
	return r
}

type (
	digester   interface{ Digest() string }
	revisioned interface{ Revision() uint64 }
)

// modelDigest memoizes Model.Digest per model revision.
func (d *Decoder) modelDigest() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.digest == "" || d.digestRev != d.model.revision {
		d.digest = d.model.Digest()
		d.digestRev = d.model.revision
	}
	return d.digest
}

// cacheKey covers every encoded feature of the sequence, the provider and
// the content of the model and rule source. Keys outlive the process, so
// in-memory revision counters are only used for rule sources that offer
// nothing better.
func (d *Decoder) cacheKey(obs []Observation) string {
	var sb strings.Builder
	sb.WriteString(d.provider.Name())
	sb.WriteByte('|')
	sb.WriteString(d.modelDigest())
	if d.provider.Name() != (Static{}).Name() {
		switch rs := d.model.rules.(type) {
		case digester:
			sb.WriteByte('|')
			sb.WriteString(rs.Digest())
		case revisioned:
			sb.WriteByte('|')
			sb.WriteString(strconv.FormatUint(rs.Revision(), 10))
		}
	}
	for _, o := range obs {
		sb.WriteByte('\n')
		for _, f := range Features {
			sb.WriteString(o.Value(f))
			sb.WriteByte('\x1f')
		}
		if d.provider.Name() != (Static{}).Name() {
			sb.WriteString(o.Time.Format("15:04"))
			sb.WriteByte('\x1f')
			sb.WriteString(string(o.Code))
			sb.WriteByte('\x1f')
			sb.WriteString(strconv.FormatFloat(o.Dwell, 'f', 1, 64))
		}
	}
	return sb.String()
}

func (d *Decoder) viterbi(obs []Observation) (Result, error) {
	m := d.model
	T, N := len(obs), len(States)
	codes := m.encode(obs)

	delta := filled(T, N, 0)
	psi := make([][]int, T)
	steps := make([][][]*rules.Rule, T)
	for i := range N {
		delta[0][i] = math.Log(m.initial[i]+Floor) + math.Log(m.emissionAt(i, codes[0])+Floor)
	}
	scores := make([]float64, N)
	for t := 1; t < T; t++ {
		step := d.provider.Step(m, obs, t)
		steps[t] = step.Rule
		psi[t] = make([]int, N)
		for j := range N {
			for i := range N {
				scores[i] = delta[t-1][i] + math.Log(step.Prob[i][j]+Floor)
			}
			best := floats.MaxIdx(scores)
			psi[t][j] = best
			delta[t][j] = scores[best] + math.Log(m.emissionAt(j, codes[t])+Floor)
		}
	}

	last := floats.MaxIdx(delta[T-1])
	logp := delta[T-1][last]
	if math.IsNaN(logp) || math.IsInf(logp, 0) {
		return Result{}, ErrDegenerate
	}

	path := make([]int, T)
	path[T-1] = last
	for t := T - 2; t >= 0; t-- {
		path[t] = psi[t+1][path[t+1]]
	}

	r := Result{
		States:         make([]State, T),
		Probabilities:  make([]float64, T),
		LogProbability: logp,
	}
	var sumMax float64
	for t := range T {
		probs := softmax(delta[t])
		sumMax += floats.Max(probs)
		r.States[t] = States[path[t]]
		r.Probabilities[t] = probs[path[t]]
		if t == 0 || steps[t] == nil || steps[t][path[t-1]] == nil {
			continue
		}
		if rule := steps[t][path[t-1]][path[t]]; rule != nil {
			r.AppliedRules = append(r.AppliedRules, AppliedRule{
				Step:       t,
				RuleID:     rule.ID,
				From:       States[path[t-1]],
				To:         States[path[t]],
				Confidence: rule.Confidence,
				Conditions: len(rule.Conditions),
			})
		}
	}
	r.Confidence = pathConfidence(sumMax/float64(T), logp, T)
	return r, nil
}

// pathConfidence blends the mean per-step max probability with a logistic
// transform of the average log-likelihood, 0.7 to 0.3.
func pathConfidence(meanMax, logp float64, T int) float64 {
	logistic := 1 / (1 + math.Exp(-logp/float64(T)))
	return min(1, max(0, 0.7*meanMax+0.3*logistic))
}

func softmax(logs []float64) []float64 {
	out := make([]float64, len(logs))
	top := floats.Max(logs)
	for i, v := range logs {
		out[i] = math.Exp(v - top)
	}
	normalize(out)
	return out
}

// DecodeBatch decodes each sequence independently. A failing sequence is
// reported in its own Result and does not stop the batch. Cancellation is
// checked between sequences.
func (d *Decoder) DecodeBatch(ctx context.Context, seqs [][]Observation) []Result {
	out := make([]Result, len(seqs))
	failed := 0
	for i, s := range seqs {
		if err := ctx.Err(); err != nil {
			out[i] = Result{Err: err.Error(), LogProbability: math.Inf(-1)}
			failed++
			continue
		}
		r, err := d.Decode(s)
		if err != nil {
			d.logger.Warn("sequence decode failed", "sequence", i, "error", err)
			failed++
		}
		out[i] = r
	}
	d.logger.Info("batch decode finished", "sequences", len(seqs), "failed", failed)
	return out
}

// TimelineEntry is one decoded step.
type TimelineEntry struct {
	Time        time.Time   `json:"timestamp"`
	Observation Observation `json:"observation"`
	State       State       `json:"predicted_state"`
	Probability float64     `json:"state_probability"`
}

// Timeline is a decoded path laid out against its observations.
type Timeline struct {
	Distribution  map[State]float64 `json:"state_distribution"`
	Entries       []TimelineEntry   `json:"timeline"`
	Confidence    float64           `json:"overall_confidence"`
	LogLikelihood float64           `json:"-"`
}

// DecodeWithTimeline decodes obs and pairs every step with its observation.
func (d *Decoder) DecodeWithTimeline(obs []Observation) (Timeline, error) {
	r, err := d.Decode(obs)
	if err != nil {
		return Timeline{}, fmt.Errorf("decoding timeline: %w", err)
	}
	tl := Timeline{
		Entries:       make([]TimelineEntry, len(obs)),
		Confidence:    r.Confidence,
		LogLikelihood: r.LogProbability,
		Distribution:  StateDistribution(r.States),
	}
	for i, o := range obs {
		tl.Entries[i] = TimelineEntry{Time: o.Time, Observation: o}
		if i < len(r.States) {
			tl.Entries[i].State = r.States[i]
			tl.Entries[i].Probability = r.Probabilities[i]
		}
	}
	return tl, nil
}

// StateDistribution returns the share of each state in states.
func StateDistribution(states []State) map[State]float64 {
	out := make(map[State]float64)
	if len(states) == 0 {
		return out
	}
	for _, s := range states {
		out[s]++
	}
	for s := range out {
		out[s] /= float64(len(states))
	}
	return out
}
