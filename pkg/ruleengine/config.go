package ruleengine

import (
	"errors"
	"fmt"
	"sort"
)

// Config holds the tunable thresholds of the cascade. JSON names match the
// settings document.
type Config struct {
	MealMaxMinutes    float64 `json:"meal_max_duration_minutes" yaml:"meal_max_duration_minutes"`
	TakeoutMinutes    float64 `json:"takeout_fixed_duration_minutes" yaml:"takeout_fixed_duration_minutes"`
	ShortDwellMinutes float64 `json:"short_duration_threshold_minutes" yaml:"short_duration_threshold_minutes"`
	LongDwellMinutes  float64 `json:"long_duration_threshold_minutes" yaml:"long_duration_threshold_minutes"`
	Critical          float64 `json:"critical_confidence" yaml:"critical_confidence"`
	High              float64 `json:"high_confidence" yaml:"high_confidence"`
	Medium            float64 `json:"medium_confidence" yaml:"medium_confidence"`
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		MealMaxMinutes:    60,
		TakeoutMinutes:    10,
		ShortDwellMinutes: 5,
		LongDwellMinutes:  120,
		Critical:          0.98,
		High:              0.95,
		Medium:            0.90,
	}
}

// ErrUnknownOption is returned by Set for an unrecognized key.
var ErrUnknownOption = errors.New("unknown option")

func (c *Config) fields() map[string]*float64 {
	return map[string]*float64{
		"meal_max_duration_minutes":        &c.MealMaxMinutes,
		"takeout_fixed_duration_minutes":   &c.TakeoutMinutes,
		"short_duration_threshold_minutes": &c.ShortDwellMinutes,
		"long_duration_threshold_minutes":  &c.LongDwellMinutes,
		"critical_confidence":              &c.Critical,
		"high_confidence":                  &c.High,
		"medium_confidence":                &c.Medium,
	}
}

// Keys lists the recognized option names in sorted order.
func Keys() []string {
	var c Config
	keys := make([]string, 0, 7)
	for k := range c.fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one option by name.
func (c *Config) Set(key string, value float64) error {
	f, ok := c.fields()[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOption, key)
	}
	*f = value
	return nil
}

// Get reads one option by name.
func (c *Config) Get(key string) (float64, bool) {
	f, ok := c.fields()[key]
	if !ok {
		return 0, false
	}
	return *f, true
}

// Validate rejects values the engine cannot work with.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"critical_confidence": c.Critical,
		"high_confidence":     c.High,
		"medium_confidence":   c.Medium,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	for name, v := range map[string]float64{
		"meal_max_duration_minutes":        c.MealMaxMinutes,
		"takeout_fixed_duration_minutes":   c.TakeoutMinutes,
		"short_duration_threshold_minutes": c.ShortDwellMinutes,
		"long_duration_threshold_minutes":  c.LongDwellMinutes,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", name, v))
		}
	}
	return errors.Join(errs...)
}

// Warnings lists suspicious but usable values.
func (c Config) Warnings() []string {
	var w []string
	if c.MealMaxMinutes > 120 {
		w = append(w, fmt.Sprintf("meal cap of %.0f minutes exceeds 120", c.MealMaxMinutes))
	}
	if c.TakeoutMinutes > 60 {
		w = append(w, fmt.Sprintf("takeout duration of %.0f minutes exceeds 60", c.TakeoutMinutes))
	}
	if !(c.Critical >= c.High && c.High >= c.Medium) {
		w = append(w, "confidence tiers are not ordered critical >= high >= medium")
	}
	return w
}
