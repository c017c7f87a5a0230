package hmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
)

// ErrEmptyInput is returned when training gets no non-empty sequence.
var ErrEmptyInput = errors.New("no observation sequences to train on")

// Iteration records one EM round.
type Iteration struct {
	N             int     `json:"iteration"`
	LogLikelihood float64 `json:"log_likelihood"`
	Delta         float64 `json:"likelihood_change"`
}

// TrainResult summarizes a training run.
type TrainResult struct {
	History              []Iteration `json:"training_history"`
	InitialLogLikelihood float64     `json:"initial_log_likelihood"`
	FinalLogLikelihood   float64     `json:"final_log_likelihood"`
	Sequences            int         `json:"training_sequences"`
	VocabularyAdded      int         `json:"vocabulary_added"`
	Converged            bool        `json:"converged"`
	TimedOut             bool        `json:"timed_out"`
}

// Trainer runs Baum-Welch over observation sequences.
type Trainer struct {
	logger        *slog.Logger
	onIteration   func(Iteration)
	maxIterations int
	threshold     float64
	timeout       time.Duration
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithMaxIterations caps the number of EM rounds.
func WithMaxIterations(n int) TrainerOption {
	return func(t *Trainer) { t.maxIterations = n }
}

// WithThreshold sets the log-likelihood change that counts as converged.
func WithThreshold(v float64) TrainerOption {
	return func(t *Trainer) { t.threshold = v }
}

// WithTimeout bounds the wall-clock time of one Fit call.
func WithTimeout(d time.Duration) TrainerOption {
	return func(t *Trainer) { t.timeout = d }
}

// WithTrainerLogger sets the logger.
func WithTrainerLogger(l *slog.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// WithIterationHook is called after every EM round.
func WithIterationHook(fn func(Iteration)) TrainerOption {
	return func(t *Trainer) { t.onIteration = fn }
}

// NewTrainer returns a trainer with 100 iterations, threshold 1e-6 and a
// two minute timeout unless overridden.
func NewTrainer(opts ...TrainerOption) *Trainer {
	t := &Trainer{
		logger:        slog.Default(),
		maxIterations: 100,
		threshold:     1e-6,
		timeout:       2 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fit trains m in place. Unseen locations are added to the model's
// vocabulary first. Cancellation of ctx is checked between iterations and
// returned with the partial result; hitting the trainer's own timeout stops
// training without an error.
func (tr *Trainer) Fit(ctx context.Context, m *Model, sequences [][]Observation) (TrainResult, error) {
	var seqs [][]Observation
	for _, s := range sequences {
		if len(s) > 0 {
			seqs = append(seqs, s)
		}
	}
	if len(seqs) == 0 {
		return TrainResult{}, ErrEmptyInput
	}

	res := TrainResult{Sequences: len(seqs)}
	res.VocabularyAdded = m.ExtendVocabulary(FeatureLocation, topLocations(seqs, MaxVocabulary))

	enc := make([]encoded, len(seqs))
	for i, s := range seqs {
		enc[i] = m.encode(s)
	}

	deadline := time.Now().Add(tr.timeout)
	prev := m.totalLogLikelihood(enc)
	res.InitialLogLikelihood = prev
	res.FinalLogLikelihood = prev
	tr.logger.Info("training started", "sequences", len(seqs), "log_likelihood", prev,
		"locations", m.width(FeatureLocation))

	for iter := 1; iter <= tr.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("training cancelled after %d iterations: %w", iter-1, err)
		}
		if tr.timeout > 0 && time.Now().After(deadline) {
			res.TimedOut = true
			tr.logger.Warn("training timed out", "iterations", iter-1, "timeout", tr.timeout)
			break
		}

		m.step(enc)
		cur := m.totalLogLikelihood(enc)
		delta := math.Abs(cur - prev)
		it := Iteration{N: iter, LogLikelihood: cur, Delta: delta}
		res.History = append(res.History, it)
		res.FinalLogLikelihood = cur
		if tr.onIteration != nil {
			tr.onIteration(it)
		}
		tr.logger.Debug("training iteration", "iteration", iter, "log_likelihood", cur, "delta", delta)

		if delta < tr.threshold {
			res.Converged = true
			break
		}
		prev = cur
	}

	tr.logger.Info("training finished", "iterations", len(res.History), "converged", res.Converged,
		"log_likelihood", res.FinalLogLikelihood)
	return res, nil
}

// topLocations returns up to limit location values, most frequent first.
func topLocations(seqs [][]Observation, limit int) []string {
	counts := make(map[string]int)
	for _, s := range seqs {
		for _, o := range s {
			if v := o.Value(FeatureLocation); v != "" {
				counts[v]++
			}
		}
	}
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if counts[values[i]] != counts[values[j]] {
			return counts[values[i]] > counts[values[j]]
		}
		return values[i] < values[j]
	})
	if len(values) > limit {
		values = values[:limit]
	}
	return values
}

// pass is the scaled forward-backward result of one sequence.
type pass struct {
	alpha, beta [][]float64
	emit        [][]float64 // emit[t][j] = P(o_t | j)
	scale       []float64
}

func (m *Model) forwardBackward(codes encoded) pass {
	T, N := len(codes), len(States)
	p := pass{
		alpha: make([][]float64, T),
		beta:  make([][]float64, T),
		emit:  make([][]float64, T),
		scale: make([]float64, T),
	}
	for t := range T {
		p.alpha[t] = make([]float64, N)
		p.beta[t] = make([]float64, N)
		p.emit[t] = make([]float64, N)
		for j := range N {
			p.emit[t][j] = m.emissionAt(j, codes[t])
		}
	}

	for i := range N {
		p.alpha[0][i] = m.initial[i] * p.emit[0][i]
	}
	p.scale[0] = rescale(p.alpha[0])
	for t := 1; t < T; t++ {
		for j := range N {
			var s float64
			for i := range N {
				s += p.alpha[t-1][i] * m.transition[i][j]
			}
			p.alpha[t][j] = s * p.emit[t][j]
		}
		p.scale[t] = rescale(p.alpha[t])
	}

	for i := range N {
		p.beta[T-1][i] = 1
	}
	for t := T - 2; t >= 0; t-- {
		for i := range N {
			var s float64
			for j := range N {
				s += m.transition[i][j] * p.emit[t+1][j] * p.beta[t+1][j]
			}
			p.beta[t][i] = s / p.scale[t+1]
		}
	}
	return p
}

// rescale divides row by its sum, floored, and returns the factor used.
func rescale(row []float64) float64 {
	c := max(floats.Sum(row), Floor)
	floats.Scale(1/c, row)
	return c
}

func (p pass) logLikelihood() float64 {
	var ll float64
	for _, c := range p.scale {
		ll += math.Log(c)
	}
	return ll
}

func (m *Model) totalLogLikelihood(enc []encoded) float64 {
	var ll float64
	for _, codes := range enc {
		ll += m.forwardBackward(codes).logLikelihood()
	}
	return ll
}

// step runs one E-step over every sequence and re-estimates all tables.
func (m *Model) step(enc []encoded) {
	N := len(States)
	initSum := make([]float64, N)
	transNum := filled(N, N, 0)
	transDen := make([]float64, N)
	emitNum := make(map[Feature][][]float64, len(Features))
	emitDen := make(map[Feature][]float64, len(Features))
	for _, f := range Features {
		emitNum[f] = filled(N, m.width(f), 0)
		emitDen[f] = make([]float64, N)
	}

	gamma := make([]float64, N)
	xi := filled(N, N, 0)
	for _, codes := range enc {
		p := m.forwardBackward(codes)
		T := len(codes)
		for t := range T {
			for i := range N {
				gamma[i] = p.alpha[t][i] * p.beta[t][i]
			}
			normalize(gamma)

			if t == 0 {
				floats.Add(initSum, gamma)
			}
			if t < T-1 {
				floats.Add(transDen, gamma)
			}
			for k, f := range Features {
				j := codes[t][k]
				if j < 0 {
					continue
				}
				for i := range N {
					emitNum[f][i][j] += gamma[i]
				}
				floats.Add(emitDen[f], gamma)
			}

			if t == T-1 {
				continue
			}
			var total float64
			for i := range N {
				for j := range N {
					xi[i][j] = p.alpha[t][i] * m.transition[i][j] * p.emit[t+1][j] * p.beta[t+1][j]
					total += xi[i][j]
				}
			}
			if total <= 0 {
				continue
			}
			for i := range N {
				floats.AddScaled(transNum[i], 1/total, xi[i])
			}
		}
	}

	floats.Scale(1/float64(len(enc)), initSum)
	m.initial = initSum
	for i := range N {
		if transDen[i] <= 0 {
			continue
		}
		floats.Scale(1/transDen[i], transNum[i])
		normalize(transNum[i])
		m.transition[i] = transNum[i]
	}
	for _, f := range Features {
		for i := range N {
			if emitDen[f][i] <= 0 || len(emitNum[f][i]) == 0 {
				continue
			}
			floats.Scale(1/emitDen[f][i], emitNum[f][i])
			normalize(emitNum[f][i])
			m.emission[f][i] = emitNum[f][i]
		}
	}
	m.revision++
}
