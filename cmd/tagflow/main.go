// Package main implements the tagflow CLI for classifying badge tag days.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/tagflow/pkg/classify"
	"github.com/codeGROOVE-dev/tagflow/pkg/config"
	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/metrics"
	"github.com/codeGROOVE-dev/tagflow/pkg/ruleengine"
	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

const version = "0.3.0"

// app is the state shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	norm    *timenorm.Normalizer
	metrics *metrics.Metrics

	configPath string
	verbose    bool
	noColor    bool
}

func main() {
	a := &app{}
	root := a.rootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tagflow",
		Short: "Classify badge tag sequences into work activities",
		Long: `tagflow turns each employee-day of badge tags into a sequence of
activity states using a deterministic rule cascade, with an HMM decoder
filling the tags no rule covers.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.setup() },
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (or set TAGFLOW_CONFIG)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("tagflow version %s\n", version))

	root.AddCommand(a.classifyCommand(), a.trainCommand(), a.rulesCommand(), a.configCommand())
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Level()
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if a.noColor {
		color.NoColor = true
	}

	if a.norm, err = timenorm.New(cfg.Timezone); err != nil {
		return err
	}
	a.metrics = metrics.New()
	return nil
}

// openRules opens the configured rule store and returns a manager over it
// with a function releasing the store.
func (a *app) openRules(ctx context.Context) (*rules.Manager, func(), error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Rules.Path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("creating rules directory: %w", err)
	}

	var store rules.Store
	release := func() {}
	switch a.cfg.Rules.Store {
	case config.StoreSQLite:
		s, err := rules.NewSQLiteStore(a.cfg.Rules.Path, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening rule database: %w", err)
		}
		store = s
		release = func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("closing rule database", "error", err)
			}
		}
	default:
		store = rules.NewFileStore(a.cfg.Rules.Path, a.logger)
	}

	mgr, err := rules.NewManager(ctx, store, rules.WithLogger(a.logger))
	if err != nil {
		release()
		return nil, nil, err
	}
	a.metrics.ActiveRules(len(mgr.Active()))
	return mgr, release, nil
}

// loadModel reads the trained model, or returns one seeded with domain
// priors when none has been saved yet.
func (a *app) loadModel() (*hmm.Model, error) {
	f, err := os.Open(a.cfg.ModelPath)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Info("no trained model found, using domain priors", "path", a.cfg.ModelPath)
		m := hmm.New("tagflow")
		m.Initialize(hmm.DomainKnowledge())
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	m, err := hmm.Load(f)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", a.cfg.ModelPath, err)
	}
	return m, nil
}

// saveModel writes m atomically to the configured path.
func (a *app) saveModel(m *hmm.Model) error {
	path := a.cfg.ModelPath
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating model file: %w", err)
	}
	if err := m.Save(f); err != nil {
		_ = f.Close()      //nolint:errcheck // already failing
		_ = os.Remove(tmp) //nolint:errcheck // best effort cleanup
		return fmt.Errorf("writing model: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing model file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) //nolint:errcheck // best effort cleanup
		return fmt.Errorf("replacing model: %w", err)
	}
	a.logger.Info("model saved", "path", path, "revision", m.Revision())
	return nil
}

// newClassifier builds a classifier from the persisted rule settings.
func (a *app) newClassifier(opts ...classify.Option) (*classify.Classifier, error) {
	settings := ruleengine.LoadSettings(a.cfg.SettingsPath, a.logger)
	engine, err := ruleengine.New(settings.Config, a.norm, a.logger)
	if err != nil {
		return nil, err
	}
	base := []classify.Option{
		classify.WithLogger(a.logger),
		classify.WithMetrics(a.metrics),
		classify.WithSettingsPath(a.cfg.SettingsPath),
		classify.WithConsistencyWindow(a.cfg.Decoder.ConsistencyWindow),
	}
	return classify.New(engine, append(base, opts...)...), nil
}
