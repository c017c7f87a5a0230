package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/tagflow/pkg/classify"
	"github.com/codeGROOVE-dev/tagflow/pkg/config"
	"github.com/codeGROOVE-dev/tagflow/pkg/decodecache"
	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
	"github.com/codeGROOVE-dev/tagflow/pkg/timeline"
	"github.com/codeGROOVE-dev/tagflow/pkg/timenorm"
)

func (a *app) classifyCommand() *cobra.Command {
	var (
		asJSON      bool
		histogram   bool
		showMetrics bool
		noFallback  bool
		shiftName   string
		workers     int
	)
	cmd := &cobra.Command{
		Use:   "classify <events.json>...",
		Short: "Classify every employee-day in the given event files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shift, err := timenorm.ParseShift(shiftName)
			if err != nil {
				return err
			}
			events, err := a.readEvents(args)
			if err != nil {
				return err
			}
			days := tag.GroupDays(events, a.norm)
			if shift != "" {
				for i := range days {
					days[i].Shift = shift
				}
			}

			var opts []classify.Option
			if a.cfg.Decoder.Fallback && !noFallback {
				decoder, closeDecoder, err := a.newDecoder(cmd)
				if err != nil {
					return err
				}
				defer closeDecoder()
				opts = append(opts, classify.WithDecoderFallback(decoder))
			}
			c, err := a.newClassifier(opts...)
			if err != nil {
				return err
			}

			if workers == 0 {
				workers = a.cfg.Workers
			}
			results := c.ClassifyBatch(cmd.Context(), days, workers)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return fmt.Errorf("encoding results: %w", err)
				}
			} else {
				a.printResults(cmd, c, days, results, histogram)
			}
			if showMetrics {
				if err := a.metrics.WriteText(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					a.logger.Error("day failed", "employee", r.EmployeeID, "error", r.Err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d days failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&histogram, "histogram", false, "also draw a 30-minute activity histogram")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "write metrics to stderr when done")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "do not use the HMM decoder for unmatched tags")
	cmd.Flags().StringVar(&shiftName, "shift", "", "declared shift for every day: DAY, NIGHT or OFFICE")
	cmd.Flags().IntVar(&workers, "workers", 0, "days classified in parallel (default from config)")
	return cmd
}

// newDecoder builds the fallback decoder with a cached, rule-aware model.
func (a *app) newDecoder(cmd *cobra.Command) (*hmm.Decoder, func(), error) {
	model, err := a.loadModel()
	if err != nil {
		return nil, nil, err
	}

	var provider hmm.TransitionProvider = hmm.Static{}
	release := func() {}
	if a.cfg.Decoder.Provider == config.ProviderRules {
		mgr, closeRules, err := a.openRules(cmd.Context())
		if err != nil {
			return nil, nil, err
		}
		model.SetRules(mgr)
		provider = hmm.RuleAware{}
		release = closeRules
	}

	var cache *decodecache.Cache[hmm.Result]
	if a.cfg.Cache.Dir != "" {
		if cache, err = decodecache.Open[hmm.Result](a.cfg.Cache.Dir, a.cfg.Cache.Size, a.cfg.Cache.TTL, a.logger); err != nil {
			release()
			return nil, nil, err
		}
	} else {
		cache = decodecache.New[hmm.Result](a.cfg.Cache.Size, a.cfg.Cache.TTL, a.logger)
	}

	d := hmm.NewDecoder(model,
		hmm.WithProvider(provider),
		hmm.WithCache(classify.InstrumentCache(cache, a.metrics)),
		hmm.WithDecoderLogger(a.logger))
	return d, func() {
		if a.cfg.Cache.Dir != "" {
			if err := cache.Close(); err != nil {
				a.logger.Warn("saving decode cache", "error", err)
			}
		}
		release()
	}, nil
}

func (a *app) readEvents(paths []string) ([]tag.Event, error) {
	var all []tag.Event
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening events: %w", err)
		}
		events, err := tag.Decode(f, a.norm)
		_ = f.Close() //nolint:errcheck // read-only
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		all = append(all, events...)
	}
	a.logger.Debug("events read", "files", len(paths), "events", len(all))
	return all, nil
}

func (a *app) printResults(cmd *cobra.Command, c *classify.Classifier, days []tag.Day, results []classify.DayResult, histogram bool) {
	out := cmd.OutOrStdout()
	mealCap := c.Config().MealMaxMinutes
	for i, r := range results {
		d := timeline.Day{
			WorkDate:   r.WorkDate,
			EmployeeID: r.EmployeeID,
			Shift:      c.ShiftFor(r.Events, days[i].Shift),
			Events:     r.Events,
			States:     r.States,
		}
		fmt.Fprint(out, timeline.Render(d, a.norm, mealCap))
		if histogram {
			fmt.Fprintln(out)
			fmt.Fprint(out, timeline.Histogram(d, a.norm, mealCap))
		}

		switch {
		case r.Err != nil:
			fmt.Fprintln(out, color.RedString("✗ %v", r.Err))
		case !r.Validation.Valid:
			fmt.Fprintln(out, color.RedString("✗ invalid sequence"))
		default:
			fmt.Fprintln(out, color.GreenString("✓ %d/%d states confident", r.Validation.Stats.Confirmed, r.Validation.Stats.Total))
		}
		issues := append([]string(nil), r.Validation.Issues...)
		sort.Strings(issues)
		for _, issue := range issues {
			fmt.Fprintln(out, color.YellowString("  ⚠ %s", issue))
		}
		fmt.Fprintln(out)
	}
}
