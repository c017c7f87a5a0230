package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/rules"
	"github.com/codeGROOVE-dev/tagflow/pkg/transition"
)

func (a *app) rulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage conditional transition rules",
	}
	cmd.AddCommand(
		a.rulesListCommand(),
		a.rulesValidateCommand(),
		a.rulesDeleteCommand(),
		a.rulesExportCommand(),
		a.rulesImportCommand(),
		a.rulesStatsCommand(),
		a.rulesBackupCommand(),
		a.rulesSyncCommand(),
		a.rulesPredictCommand(),
	)
	return cmd
}

// withRules runs fn with an open rule manager.
func (a *app) withRules(cmd *cobra.Command, fn func(*rules.Manager) error) error {
	mgr, release, err := a.openRules(cmd.Context())
	if err != nil {
		return err
	}
	defer release()
	return fn(mgr)
}

func (a *app) rulesListCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				list := mgr.Active()
				if all {
					list = mgr.All()
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No rules")
					return nil
				}
				for _, r := range list {
					state := color.GreenString("active")
					if !r.Active {
						state = color.HiBlackString("inactive")
					}
					fmt.Fprintf(out, "%-40s %s → %s  p=%.2f conf=%d v%d %s\n",
						r.ID, r.From, r.To, r.BaseProbability, r.Confidence, r.Version, state)
					for _, c := range r.Conditions {
						fmt.Fprintf(out, "    %s %+v\n", c.Kind(), c)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive rules")
	return cmd
}

func (a *app) rulesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rules.json]",
		Short: "Validate a rule file (default: the configured store)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Rules.Path
			if len(args) == 1 {
				path = args[0]
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading rules: %w", err)
			}
			var raw []json.RawMessage
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("decoding %s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			bad := 0
			for i, msg := range raw {
				var r rules.Rule
				err := json.Unmarshal(msg, &r)
				if err == nil {
					err = r.Validate()
				}
				if err == nil {
					continue
				}
				bad++
				var verr *rules.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(out, "%s rule %d (%s): %s\n", color.RedString("✗"), i, verr.ID, strings.Join(verr.Issues, "; "))
				} else {
					fmt.Fprintf(out, "%s rule %d: %v\n", color.RedString("✗"), i, err)
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d rules are invalid", bad, len(raw))
			}
			fmt.Fprintf(out, "%s all %d rules are valid\n", color.GreenString("✓"), len(raw))
			return nil
		},
	}
}

func (a *app) rulesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Deactivate a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) rulesExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [path|-]",
		Short: "Export every rule as a JSON array",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				if len(args) == 1 && args[0] == "-" {
					return mgr.Export(cmd.OutOrStdout())
				}
				path := ""
				if len(args) == 1 {
					path = args[0]
				}
				written, err := mgr.ExportFile(path, filepath.Dir(a.cfg.Rules.Path))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rules to %s\n", len(mgr.All()), written)
				return nil
			})
		},
	}
}

func (a *app) rulesImportCommand() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "import <rules.json>",
		Short: "Import rules, replacing the collection unless --merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				res, err := mgr.ImportFile(cmd.Context(), args[0], merge)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Imported %d rules, %d failed\n", res.Imported, res.Failed)
				if res.Backup != "" {
					fmt.Fprintf(out, "Previous rules backed up to %s\n", res.Backup)
				}
				for _, e := range res.Errors {
					fmt.Fprintln(out, color.YellowString("  ⚠ %s", e))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the existing rules instead of replacing them")
	return cmd
}

func (a *app) rulesStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print rule statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(mgr.Stats())
			})
		},
	}
}

func (a *app) rulesBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the rule collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				where, err := mgr.Backup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", where)
				return nil
			})
		},
	}
}

func (a *app) rulesSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-hmm",
		Short: "Blend active rules into the saved model's transition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				m, err := a.loadModel()
				if err != nil {
					return err
				}
				n := transition.New(mgr, m, transition.WithLogger(a.logger)).UpdateHMMFromRules()
				if report := m.Validate(); !report.Valid() {
					return fmt.Errorf("model invalid after sync: %s", strings.Join(report.Issues, "; "))
				}
				if err := a.saveModel(m); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %d transitions from %d active rules\n", n, len(mgr.Active()))
				return nil
			})
		},
	}
}

func (a *app) rulesPredictCommand() *cobra.Command {
	var (
		at       string
		location string
		code     string
		dwell    float64
		top      int
	)
	cmd := &cobra.Command{
		Use:   "predict <state>",
		Short: "Show the most likely next states from a hidden state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRules(cmd, func(mgr *rules.Manager) error {
				m, err := a.loadModel()
				if err != nil {
					return err
				}
				from := hmm.State(args[0])
				if _, ok := m.StateIndex(from); !ok {
					return fmt.Errorf("unknown state %q", args[0])
				}
				when, err := a.norm.Parse(at)
				if err != nil {
					return err
				}
				ctx := rules.Context{
					Time:     a.norm.ToLocal(when),
					Location: location,
					Code:     strings.ToUpper(code),
					Shift:    string(a.norm.DetectShift(when)),
					Dwell:    dwell,
				}
				out := cmd.OutOrStdout()
				for _, p := range transition.New(mgr, m, transition.WithLogger(a.logger)).Predict(from, ctx, top) {
					src := p.Source
					if p.RuleID != "" {
						src += " " + p.RuleID
					}
					fmt.Fprintf(out, "%-20s %5.1f%%  conf=%d  %s\n", p.State, p.Probability*100, p.Confidence, color.HiBlackString(src))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "local time of the situation, e.g. \"2025-03-10 12:00\"")
	cmd.Flags().StringVar(&location, "location", "", "current location")
	cmd.Flags().StringVar(&code, "tag", "", "current tag code")
	cmd.Flags().Float64Var(&dwell, "dwell", 0, "minutes since the previous tag")
	cmd.Flags().IntVar(&top, "top", 5, "number of predictions")
	_ = cmd.MarkFlagRequired("at") //nolint:errcheck // flag is defined above
	return cmd
}
