// Package ruleengine implements the deterministic, priority-tiered tag
// classifier. Rules are evaluated top-down and the first match wins; a nil
// result means no rule applied and the caller should fall back to the decoder.
package ruleengine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Fixed dwell thresholds in minutes.
const (
	meetingMinMinutes   = 30
	educationMinMinutes = 60
	restMinMinutes      = 30
	catchAllMinutes     = 2
)

// Tier is a rule priority group.
type Tier int

// Tiers, highest priority first.
const (
	Critical Tier = iota
	High
	Medium
	Low
)

func (t Tier) String() string {
	switch t {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// RuleID identifies one rule of the cascade.
type RuleID int

// Rules in evaluation order.
const (
	RuleNone RuleID = iota
	RuleEquipment
	RuleAfterEquipment
	RuleOnsiteMeal
	RuleTakeout
	RuleTakeoutThenRest
	RuleGate
	RuleLongMeeting
	RuleShortMeeting
	RuleHandover
	RuleEducation
	RulePreparation
	RuleLongRest
	RuleQuickMovement
	RuleShortDwell
)

var ruleNames = map[RuleID]string{
	RuleNone:            "none",
	RuleEquipment:       "equipment_confirms_work",
	RuleAfterEquipment:  "work_after_equipment",
	RuleOnsiteMeal:      "onsite_meal",
	RuleTakeout:         "takeout_as_transit",
	RuleTakeoutThenRest: "takeout_then_rest",
	RuleGate:            "gate_window",
	RuleLongMeeting:     "long_meeting",
	RuleShortMeeting:    "short_meeting_pass",
	RuleHandover:        "shift_handover",
	RuleEducation:       "education_session",
	RulePreparation:     "preparation_at_gate",
	RuleLongRest:        "long_rest",
	RuleQuickMovement:   "quick_movement",
	RuleShortDwell:      "short_dwell",
}

func (r RuleID) String() string {
	if n, ok := ruleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

var cascade = []struct {
	id   RuleID
	tier Tier
}{
	{RuleEquipment, Critical},
	{RuleAfterEquipment, Critical},
	{RuleOnsiteMeal, High},
	{RuleTakeout, High},
	{RuleTakeoutThenRest, High},
	{RuleGate, High},
	{RuleLongMeeting, Medium},
	{RuleShortMeeting, Medium},
	{RuleHandover, Medium},
	{RuleEducation, Medium},
	{RulePreparation, Medium},
	{RuleLongRest, Low},
	{RuleQuickMovement, Low},
	{RuleShortDwell, Low},
}

// Input is everything the cascade may look at for one tag.
type Input struct {
	Event tag.Event
	Prev  *tag.Event
	Next  *tag.Event

	Shift timenorm.Shift

	// Dwell is minutes attributed to the tag.
	Dwell float64
	// ToNext is minutes until the next tag, valid when HasNext.
	ToNext  float64
	HasNext bool

	Equipment bool
	EntryGate bool
}

// Match describes which rule fired.
type Match struct {
	State *confidence.StateWithConfidence
	Rule  RuleID
	Tier  Tier
}

// Engine evaluates the cascade. It keeps no per-tag state, so one Engine may
// be shared across goroutines.
type Engine struct {
	norm   *timenorm.Normalizer
	logger *slog.Logger
	cfg    Config
}

// New validates cfg and builds an Engine.
func New(cfg Config, norm *timenorm.Normalizer, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule engine config: %w", err)
	}
	if norm == nil {
		return nil, fmt.Errorf("rule engine needs a time normalizer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, norm: norm, logger: logger}, nil
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Normalizer returns the engine's time normalizer.
func (e *Engine) Normalizer() *timenorm.Normalizer { return e.norm }

// Classify returns the first matching classification, or nil.
func (e *Engine) Classify(in Input) *confidence.StateWithConfidence {
	return e.Evaluate(in).State
}

// Evaluate runs the cascade and reports which rule fired.
func (e *Engine) Evaluate(in Input) Match {
	for _, r := range cascade {
		s := e.apply(r.id, r.tier, &in)
		if s == nil {
			continue
		}
		e.logger.Debug("rule matched",
			"rule", r.id.String(), "tier", r.tier.String(), "tag", in.Event.Code,
			"state", s.State(), "confidence", s.Confidence())
		return Match{State: s, Rule: r.id, Tier: r.tier}
	}
	return Match{Rule: RuleNone}
}

func (e *Engine) apply(id RuleID, tier Tier, in *Input) *confidence.StateWithConfidence {
	code := in.Event.Code
	ts := in.Event.Timestamp

	switch id {
	case RuleEquipment:
		if in.Equipment || code == tag.Equipment {
			return e.build(id, tier, in, confidence.WorkConfirmed, e.cfg.Critical, 1.0,
				"equipment use confirms work", nil)
		}

	case RuleAfterEquipment:
		if in.Prev != nil && (in.Prev.Code == tag.Equipment || in.Prev.Equipment) && code.IsWorkArea() {
			return e.build(id, tier, in, confidence.Work, e.cfg.High, 0.95,
				"work area after equipment use", nil)
		}

	case RuleOnsiteMeal:
		if code != tag.Meal {
			return nil
		}
		duration := e.cfg.MealMaxMinutes
		if in.HasNext {
			duration = min(in.ToNext, e.cfg.MealMaxMinutes)
		}
		capped := in.HasNext && in.ToNext > e.cfg.MealMaxMinutes
		meal := e.mealName(ts)
		return e.build(id, tier, in, confidence.Meal, e.cfg.Critical, 1.0,
			fmt.Sprintf("onsite %s", meal), map[string]any{
				"meal_type":        meal,
				"duration_minutes": duration,
				"capped":           capped,
				"time_weight":      e.norm.Weight(ts, timenorm.WeightMeal),
			})

	case RuleTakeout:
		if code == tag.Takeout {
			return e.build(id, tier, in, confidence.Transit, e.cfg.Critical, 1.0,
				"takeout pickup is modeled as transit", map[string]any{
					"meal_type":        e.mealName(ts),
					"duration_minutes": e.cfg.TakeoutMinutes,
				})
		}

	case RuleTakeoutThenRest:
		if in.Prev != nil && in.Prev.Code == tag.Takeout && code.IsRest() {
			return e.build(id, tier, in, confidence.Rest, e.cfg.High, 0.9,
				"eating takeout in a rest area", map[string]any{
					"time_weight": e.norm.Weight(ts, timenorm.WeightRest),
				})
		}

	case RuleGate:
		if !code.IsGate() {
			return nil
		}
		entry := code == tag.GateIn || in.EntryGate
		switch e.norm.ClassifyGate(ts, in.Shift, entry) {
		case timenorm.GateEntry:
			return e.build(id, tier, in, confidence.Entry, e.cfg.High, 0.9, "gate entry inside shift window", nil)
		case timenorm.GateExit:
			return e.build(id, tier, in, confidence.Exit, e.cfg.High, 0.9, "gate exit inside shift window", nil)
		default:
			return e.build(id, tier, in, confidence.Transit, e.cfg.Medium, 0.9, "gate pass outside shift windows", nil)
		}

	case RuleLongMeeting:
		if code == tag.MeetingZone && in.Dwell >= meetingMinMinutes {
			return e.build(id, tier, in, confidence.Meeting, e.cfg.High, 0.9,
				fmt.Sprintf("meeting zone for %.0f minutes", in.Dwell), map[string]any{
					"time_weight": e.norm.Weight(ts, timenorm.WeightMeeting),
				})
		}

	case RuleShortMeeting:
		if code == tag.MeetingZone && in.Dwell < e.cfg.ShortDwellMinutes {
			return e.build(id, tier, in, confidence.Transit, e.cfg.Medium, 0.8,
				"brief pass through meeting zone", nil)
		}

	case RuleHandover:
		if code != tag.WorkZone && code != tag.MeetingZone {
			return nil
		}
		if dir, ok := e.norm.ShiftChange(ts); ok {
			return e.build(id, tier, in, confidence.Meeting, e.cfg.Medium, 0.8,
				"shift hand-over", map[string]any{"handover": string(dir)})
		}

	case RuleEducation:
		if code == tag.EduZone && in.Dwell >= educationMinMinutes {
			return e.build(id, tier, in, confidence.Education, e.cfg.High, 0.9,
				fmt.Sprintf("education zone for %.0f minutes", in.Dwell), nil)
		}

	case RulePreparation:
		if code != tag.PrepZone {
			return nil
		}
		if (in.Prev != nil && in.Prev.Code == tag.GateIn) || (in.Next != nil && in.Next.Code == tag.GateOut) {
			return e.build(id, tier, in, confidence.Preparation, e.cfg.High, 0.9,
				"preparation next to a gate", nil)
		}

	case RuleLongRest:
		if code.IsRest() && in.Dwell >= restMinMinutes {
			return e.build(id, tier, in, confidence.Rest, e.cfg.Medium, 0.8,
				fmt.Sprintf("rest zone for %.0f minutes", in.Dwell), map[string]any{
					"time_weight": e.norm.Weight(ts, timenorm.WeightRest),
				})
		}

	case RuleQuickMovement:
		if code == tag.Movement && in.Dwell < e.cfg.ShortDwellMinutes {
			return e.build(id, tier, in, confidence.Transit, e.cfg.Medium, 0.8, "movement reader", nil)
		}

	case RuleShortDwell:
		if in.Dwell < catchAllMinutes {
			return e.build(id, tier, in, confidence.Transit, e.cfg.Medium, 0.7,
				fmt.Sprintf("dwell under %d minutes", catchAllMinutes), nil)
		}

	case RuleNone:
	}
	return nil
}

func (e *Engine) mealName(ts time.Time) string {
	if m, ok := e.norm.MealAt(ts); ok {
		return string(m)
	}
	return "unscheduled"
}

func (e *Engine) build(id RuleID, tier Tier, in *Input, st confidence.State, conf, weight float64,
	desc string, meta map[string]any,
) *confidence.StateWithConfidence {
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta["rule"] = id.String()
	meta["tier"] = tier.String()

	tags := []string{string(in.Event.Code)}
	if in.Prev != nil {
		tags = []string{string(in.Prev.Code), string(in.Event.Code)}
	}

	s, err := confidence.New(st, conf,
		confidence.WithEvidence(confidence.Evidence{
			Timestamp:   in.Event.Timestamp,
			Metadata:    meta,
			Kind:        confidence.KindRule,
			Description: desc,
			Weight:      weight,
		}),
		confidence.WithTags(tags...))
	if err != nil {
		// Config.Validate guarantees the tier confidences are in range.
		e.logger.Error("rule produced invalid state", "rule", id.String(), "error", err)
		return nil
	}
	return s
}
