package ruleengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// Settings is the rule-settings document stored next to the rule collection.
type Settings struct {
	LastUpdated     time.Time         `json:"last_updated"`
	RuleDefinitions map[string]string `json:"rule_definitions,omitempty"`
	TimeWindows     map[string]string `json:"time_windows,omitempty"`
	LegalNotice     string            `json:"legal_notice,omitempty"`
	Config          Config            `json:"config"`
}

// DefaultSettings returns the document written when none exists.
func DefaultSettings() Settings {
	windows := make(map[string]string, len(timenorm.MealWindows))
	for _, mw := range timenorm.MealWindows {
		windows[string(mw.Meal)] = mw.Window.String()
	}
	defs := make(map[string]string, len(cascade))
	for _, r := range cascade {
		defs[r.id.String()] = r.tier.String()
	}
	return Settings{
		Config:          DefaultConfig(),
		TimeWindows:     windows,
		RuleDefinitions: defs,
	}
}

// LoadSettings reads path. A missing or corrupt document is logged and
// replaced by defaults; it never fails.
func LoadSettings(path string, logger *slog.Logger) Settings {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("reading rule settings failed, using defaults", "path", path, "error", err)
		} else {
			logger.Info("no rule settings found, using defaults", "path", path)
		}
		return DefaultSettings()
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warn("corrupt rule settings, using defaults", "path", path, "error", err)
		return DefaultSettings()
	}
	if err := s.Config.Validate(); err != nil {
		logger.Warn("invalid rule settings, using defaults", "path", path, "error", err)
		return DefaultSettings()
	}
	for _, w := range s.Config.Warnings() {
		logger.Warn("rule settings", "path", path, "warning", w)
	}
	return s
}

// SaveSettings writes s atomically and stamps LastUpdated.
func SaveSettings(path string, s Settings) error {
	s.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) //nolint:errcheck // best effort cleanup
		return fmt.Errorf("replacing settings: %w", err)
	}
	return nil
}

// SettingsReport is the result of ValidateSettings.
type SettingsReport struct {
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether no blocking issue was found.
func (r SettingsReport) Valid() bool { return len(r.Issues) == 0 }

// ValidateSettings checks a settings document without applying it.
func ValidateSettings(s Settings) SettingsReport {
	var r SettingsReport
	if err := s.Config.Validate(); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				r.Issues = append(r.Issues, e.Error())
			}
		} else {
			r.Issues = append(r.Issues, err.Error())
		}
	}
	r.Warnings = s.Config.Warnings()
	return r
}
