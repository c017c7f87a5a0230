// Package classify turns one employee-day of tag events into an
// index-aligned sequence of activity states. It runs the deterministic rule
// cascade and, when configured, fills the gaps from the HMM decoder.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/metrics"
	"github.com/codeGROOVE-dev/tagflow/pkg/ruleengine"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// lowConfidence is the threshold of the low tier, which has no config key.
const lowConfidence = 0.5

// Classifier holds the shared, read-mostly state of a batch. It is safe for
// concurrent use; UpdateConfig swaps the rule engine atomically for later
// calls.
type Classifier struct {
	engine       *ruleengine.Engine
	norm         *timenorm.Normalizer
	decoder      *hmm.Decoder
	metrics      *metrics.Metrics
	logger       *slog.Logger
	settingsPath string
	consistency  int
	mu           sync.RWMutex
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithDecoderFallback fills tags no rule matched from d's decoded path.
func WithDecoderFallback(d *hmm.Decoder) Option {
	return func(c *Classifier) { c.decoder = d }
}

// WithMetrics records classification counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithSettingsPath persists UpdateConfig changes to the settings document.
func WithSettingsPath(path string) Option {
	return func(c *Classifier) { c.settingsPath = path }
}

// WithConsistencyWindow adjusts confidences by neighbour agreement over
// window tags after classification.
func WithConsistencyWindow(window int) Option {
	return func(c *Classifier) { c.consistency = window }
}

// New returns a classifier around engine.
func New(engine *ruleengine.Engine, opts ...Option) *Classifier {
	c := &Classifier{engine: engine, norm: engine.Normalizer(), logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) ruleEngine() *ruleengine.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Config returns the active rule engine thresholds.
func (c *Classifier) Config() ruleengine.Config {
	return c.ruleEngine().Config()
}

// ShiftFor returns declared when set, else the first event's own shift,
// else the shift detected from the first tag.
func (c *Classifier) ShiftFor(events []tag.Event, declared timenorm.Shift) timenorm.Shift {
	if declared != "" {
		return declared
	}
	if len(events) == 0 {
		return timenorm.ShiftDay
	}
	if events[0].Shift != "" {
		return events[0].Shift
	}
	return c.norm.DetectShift(events[0].Timestamp)
}

// ClassifySequence classifies events, which must be in time order. The
// result has one entry per event; nil means nothing could classify it.
func (c *Classifier) ClassifySequence(ctx context.Context, events []tag.Event, declared timenorm.Shift) ([]*confidence.StateWithConfidence, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		c.metrics.SequenceDone(time.Since(start), err)
		return nil, fmt.Errorf("classifying sequence: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	engine := c.ruleEngine()
	shift := c.ShiftFor(events, declared)
	out := make([]*confidence.StateWithConfidence, len(events))
	missing := 0
	for i := range events {
		m := engine.Evaluate(c.input(events, i, shift))
		out[i] = m.State
		if m.State == nil {
			missing++
			c.logger.Debug("no rule matched", "tag", events[i].Code, "timestamp", events[i].Timestamp)
			continue
		}
		c.metrics.TagClassified(metrics.SourceRule)
	}

	if missing > 0 && c.decoder != nil {
		missing -= c.fillFromDecoder(events, shift, out)
	}
	for range missing {
		c.metrics.TagClassified(metrics.SourceUnresolved)
	}
	if c.consistency > 0 {
		out = confidence.AdjustByConsistency(out, c.consistency)
	}

	c.metrics.SequenceDone(time.Since(start), nil)
	c.logger.Debug("sequence classified", "tags", len(events), "shift", shift, "unresolved", missing)
	return out, nil
}

// input prepares the cascade input for events[i].
func (c *Classifier) input(events []tag.Event, i int, shift timenorm.Shift) ruleengine.Input {
	ev := events[i]
	in := ruleengine.Input{
		Event:     ev,
		Shift:     shift,
		Dwell:     tag.DwellAt(events, i),
		Equipment: ev.Equipment || ev.Code == tag.Equipment,
		EntryGate: ev.Code == tag.GateIn,
	}
	if i > 0 {
		in.Prev = &events[i-1]
	}
	if i+1 < len(events) {
		in.Next = &events[i+1]
	}
	in.ToNext, in.HasNext = tag.MinutesToNext(events, i)
	return in
}

// fillFromDecoder replaces nil entries of out with decoded states and
// returns how many it filled. A failed decode leaves out unchanged.
func (c *Classifier) fillFromDecoder(events []tag.Event, shift timenorm.Shift, out []*confidence.StateWithConfidence) int {
	obs := hmm.ObservationsFromEvents(events, c.norm, shift)
	r, err := c.decoder.Decode(obs)
	if err != nil {
		c.logger.Warn("decoder fallback failed", "tags", len(events), "error", err)
		return 0
	}

	filled := 0
	for i := range out {
		if out[i] != nil || i >= len(r.States) {
			continue
		}
		hidden := r.States[i]
		p := r.Probabilities[i]
		ev := confidence.Evidence{
			Timestamp:   events[i].Timestamp,
			Kind:        confidence.KindProbability,
			Description: fmt.Sprintf("decoded as %s", hidden),
			Weight:      max(p, 0.01),
			Metadata: map[string]any{
				"hidden_state":    string(hidden),
				"path_confidence": r.Confidence,
			},
		}
		conf := (confidence.WeightedConfidence([]confidence.Evidence{ev}) + p) / 2
		s, err := confidence.New(hidden.Activity(), min(1, max(0, conf)),
			confidence.WithEvidence(ev), confidence.WithTags(string(events[i].Code)))
		if err != nil {
			c.logger.Warn("decoded state rejected", "index", i, "error", err)
			continue
		}
		out[i] = s
		filled++
		c.metrics.TagClassified(metrics.SourceDecoder)
	}
	return filled
}

// MealDuration returns the minutes attributed to a meal tag: onsite meals
// last until the next tag, capped; takeout has a fixed duration; other tags
// have none.
func (c *Classifier) MealDuration(code tag.Code, toNext float64, hasNext bool) float64 {
	cfg := c.Config()
	switch code {
	case tag.Meal:
		if hasNext {
			return min(toNext, cfg.MealMaxMinutes)
		}
		return cfg.MealMaxMinutes
	case tag.Takeout:
		return cfg.TakeoutMinutes
	default:
		return 0
	}
}

// ConfidenceThreshold returns the confidence of a priority tier by name.
// Unknown names get the medium tier.
func (c *Classifier) ConfidenceThreshold(tier string) float64 {
	cfg := c.Config()
	switch strings.ToLower(tier) {
	case ruleengine.Critical.String():
		return cfg.Critical
	case ruleengine.High.String():
		return cfg.High
	case ruleengine.Low.String():
		return lowConfidence
	default:
		return cfg.Medium
	}
}

// ConfigUpdate reports the outcome of UpdateConfig.
type ConfigUpdate struct {
	Err     error
	Applied []string
	Unknown []string
}

// OK reports whether the update was applied and persisted.
func (u ConfigUpdate) OK() bool { return u.Err == nil }

// UpdateConfig applies option overrides by name. Unknown names are reported
// and ignored. An invalid result is rejected as a whole and leaves the
// running config unchanged. A valid one takes effect immediately; Err then
// only reports a failure to persist it.
func (c *Classifier) UpdateConfig(updates map[string]float64) ConfigUpdate {
	var u ConfigUpdate
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.engine.Config()
	for _, key := range ruleengine.Keys() {
		v, ok := updates[key]
		if !ok {
			continue
		}
		if err := cfg.Set(key, v); err != nil {
			u.Err = err
			return u
		}
		u.Applied = append(u.Applied, key)
	}
	for key := range updates {
		if _, ok := cfg.Get(key); !ok {
			u.Unknown = append(u.Unknown, key)
			c.logger.Warn("unknown config option", "key", key)
		}
	}
	sort.Strings(u.Unknown)

	engine, err := ruleengine.New(cfg, c.norm, c.logger)
	if err != nil {
		u.Applied = nil
		u.Err = err
		return u
	}
	c.engine = engine
	c.logger.Info("rule engine config updated", "applied", u.Applied, "unknown", u.Unknown)

	if c.settingsPath != "" {
		s := ruleengine.LoadSettings(c.settingsPath, c.logger)
		s.Config = cfg
		if err := ruleengine.SaveSettings(c.settingsPath, s); err != nil {
			u.Err = fmt.Errorf("persisting config: %w", err)
		}
	}
	return u
}
