// Package rules stores the versioned conditional transition rules that bias
// the decoder, and evaluates their conditions against a runtime context.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a rule id is unknown.
	ErrNotFound = errors.New("rule not found")
	// ErrInvalidRule wraps every ValidationError.
	ErrInvalidRule = errors.New("invalid rule")
)

// Rule is a conditional transition between two decoder states.
type Rule struct {
	CreatedAt       time.Time  `json:"created_at"`
	ModifiedAt      time.Time  `json:"modified_at"`
	ID              string     `json:"id"`
	From            string     `json:"from_state"`
	To              string     `json:"to_state"`
	Description     string     `json:"description,omitempty"`
	Conditions      Conditions `json:"conditions"`
	BaseProbability float64    `json:"base_probability"`
	Confidence      int        `json:"confidence"` // 0-100
	Version         int        `json:"version"`
	Active          bool       `json:"is_active"`
}

// UnmarshalJSON decodes a rule. A document without is_active is active.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	doc := struct {
		*plain
		Active *bool `json:"is_active"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	r.Active = doc.Active == nil || *doc.Active
	return nil
}

// ValidationError lists every problem found in a rule.
type ValidationError struct {
	ID     string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.ID, strings.Join(e.Issues, "; "))
}

// Unwrap lets errors.Is match ErrInvalidRule.
func (*ValidationError) Unwrap() error { return ErrInvalidRule }

// Validate checks ranges and condition well-formedness. It returns a
// *ValidationError or nil.
func (r *Rule) Validate() error {
	var issues []string
	if strings.TrimSpace(r.From) == "" {
		issues = append(issues, "from_state is required")
	}
	if strings.TrimSpace(r.To) == "" {
		issues = append(issues, "to_state is required")
	}
	if r.BaseProbability < 0 || r.BaseProbability > 1 || math.IsNaN(r.BaseProbability) {
		issues = append(issues, fmt.Sprintf("base_probability %v must be within [0,1]", r.BaseProbability))
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		issues = append(issues, fmt.Sprintf("confidence %d must be within [0,100]", r.Confidence))
	}
	for i, c := range r.Conditions {
		if c == nil {
			issues = append(issues, fmt.Sprintf("condition %d is empty", i))
			continue
		}
		if err := c.validate(); err != nil {
			issues = append(issues, fmt.Sprintf("condition %d (%s): %v", i, c.Kind(), err))
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{ID: r.ID, Issues: issues}
}

// Weight returns the confidence as a blending weight in [0,1].
func (r *Rule) Weight() float64 {
	return float64(r.Confidence) / 100
}

// Applies reports whether r is active, leaves from and every condition holds.
func (r *Rule) Applies(from string, ctx Context) bool {
	return r.Active && r.From == from && MatchesAll(r.Conditions, ctx)
}

// GenerateID returns a fresh id of the form from_to_xxxxxxxx.
func GenerateID(from, to string) string {
	return fmt.Sprintf("%s_%s_%s", from, to, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (r Rule) clone() Rule {
	r.Conditions = append(Conditions(nil), r.Conditions...)
	return r
}
