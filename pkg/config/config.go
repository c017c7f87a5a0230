// Package config loads the tagflow application config: defaults, then an
// optional YAML file, then TAGFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TAGFLOW_"

// Rule store kinds.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// Transition providers of the decoder.
const (
	ProviderStatic = "static"
	ProviderRules  = "rules"
)

// Config is the application config.
type Config struct {
	Timezone     string   `yaml:"timezone"`
	LogLevel     string   `yaml:"log_level"`
	SettingsPath string   `yaml:"settings_path"`
	ModelPath    string   `yaml:"model_path"`
	Rules        Rules    `yaml:"rules"`
	Cache        Cache    `yaml:"cache"`
	Decoder      Decoder  `yaml:"decoder"`
	Training     Training `yaml:"training"`
	Workers      int      `yaml:"workers"`
}

// Rules locates the transition rule store.
type Rules struct {
	Store string `yaml:"store"` // json or sqlite
	Path  string `yaml:"path"`
}

// Cache configures the decode result cache. An empty Dir keeps it in memory.
type Cache struct {
	Dir  string        `yaml:"dir"`
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Decoder configures the HMM fallback used for tags no rule classifies.
type Decoder struct {
	Provider          string `yaml:"provider"` // static or rules
	Fallback          bool   `yaml:"fallback"`
	ConsistencyWindow int    `yaml:"consistency_window"`
}

// Training bounds Baum-Welch.
type Training struct {
	MaxIterations int           `yaml:"max_iterations"`
	Threshold     float64       `yaml:"threshold"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default returns the config used when nothing overrides it. Paths live
// under dir.
func Default(dir string) *Config {
	return &Config{
		Timezone:     timenorm.DefaultTimezone,
		LogLevel:     "info",
		SettingsPath: filepath.Join(dir, "settings.json"),
		ModelPath:    filepath.Join(dir, "model.json"),
		Rules:        Rules{Store: StoreJSON, Path: filepath.Join(dir, "rules", "transition_rules.json")},
		Cache:        Cache{Dir: filepath.Join(dir, "cache"), Size: 10000, TTL: 24 * time.Hour},
		Decoder:      Decoder{Provider: ProviderRules, Fallback: true},
		Training:     Training{MaxIterations: 100, Threshold: 1e-6, Timeout: 2 * time.Minute},
	}
}

// DefaultDir is the per-user config directory, or ".tagflow" when the user
// config dir is unknown.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".tagflow"
	}
	return filepath.Join(dir, "tagflow")
}

// Load builds the config from defaults, the YAML file at path and the
// environment. An empty path falls back to $TAGFLOW_CONFIG, then to
// config.yaml in DefaultDir, which may be missing.
func Load(path string) (*Config, error) {
	dir := DefaultDir()
	if v := os.Getenv(EnvPrefix + "DIR"); v != "" {
		dir = v
	}
	cfg := Default(dir)

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = filepath.Join(dir, "config.yaml")
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies TAGFLOW_* variables.
func (c *Config) applyEnv() error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	mappings := map[string]func(string) error{
		"TIMEZONE":      str(&c.Timezone),
		"LOG_LEVEL":     str(&c.LogLevel),
		"SETTINGS_PATH": str(&c.SettingsPath),
		"MODEL_PATH":    str(&c.ModelPath),
		"RULES_STORE":   str(&c.Rules.Store),
		"RULES_PATH":    str(&c.Rules.Path),
		"CACHE_DIR":     str(&c.Cache.Dir),
		"CACHE_SIZE":    num(&c.Cache.Size),
		"CACHE_TTL":     dur(&c.Cache.TTL),
		"PROVIDER":      str(&c.Decoder.Provider),
		"WORKERS":       num(&c.Workers),
		"MAX_ITER":      num(&c.Training.MaxIterations),
		"TRAIN_TIMEOUT": dur(&c.Training.Timeout),
		"FALLBACK": func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.Decoder.Fallback = b
			return nil
		},
		"THRESHOLD": func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			c.Training.Threshold = f
			return nil
		},
	}
	for name, apply := range mappings {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		if err := apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, v, err)
		}
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := timenorm.New(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	switch c.Rules.Store {
	case StoreJSON, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("rules.store: want %s or %s, got %q", StoreJSON, StoreSQLite, c.Rules.Store))
	}
	if c.Rules.Path == "" {
		errs = append(errs, errors.New("rules.path: must be set"))
	}
	switch c.Decoder.Provider {
	case ProviderStatic, ProviderRules:
	default:
		errs = append(errs, fmt.Errorf("decoder.provider: want %s or %s, got %q", ProviderStatic, ProviderRules, c.Decoder.Provider))
	}
	if c.Decoder.ConsistencyWindow < 0 {
		errs = append(errs, errors.New("decoder.consistency_window: must not be negative"))
	}
	if c.Cache.Size < 0 || c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache: size and ttl must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers: must not be negative"))
	}
	if c.Training.MaxIterations <= 0 {
		errs = append(errs, errors.New("training.max_iterations: must be positive"))
	}
	if c.Training.Threshold <= 0 {
		errs = append(errs, errors.New("training.threshold: must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the slog level named by LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
