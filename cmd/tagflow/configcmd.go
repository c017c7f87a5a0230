package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/tagflow/pkg/ruleengine"
)

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change rule engine thresholds",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.newClassifier()
			if err != nil {
				return err
			}
			cfg := c.Config()
			out := cmd.OutOrStdout()
			for _, key := range ruleengine.Keys() {
				v, _ := cfg.Get(key)
				fmt.Fprintf(out, "%-28s %g\n", key, v)
			}
			for _, w := range cfg.Warnings() {
				fmt.Fprintln(out, color.YellowString("⚠ %s", w))
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Change thresholds and persist them to the settings document",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make(map[string]float64, len(args))
			for _, arg := range args {
				key, raw, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("want key=value, got %q", arg)
				}
				v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				updates[strings.TrimSpace(key)] = v
			}

			c, err := a.newClassifier()
			if err != nil {
				return err
			}
			u := c.UpdateConfig(updates)
			out := cmd.OutOrStdout()
			for _, key := range u.Unknown {
				fmt.Fprintln(out, color.YellowString("⚠ unknown option %s ignored", key))
			}
			if !u.OK() {
				return u.Err
			}
			fmt.Fprintf(out, "%s updated %s in %s\n", color.GreenString("✓"), strings.Join(u.Applied, ", "), a.cfg.SettingsPath)
			return nil
		},
	})
	return cmd
}
