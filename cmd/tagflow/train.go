package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
)

func (a *app) trainCommand() *cobra.Command {
	var (
		fresh bool
		seed  uint64
	)
	cmd := &cobra.Command{
		Use:   "train <events.json>...",
		Short: "Fit the HMM to observed tag days with Baum-Welch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := a.readEvents(args)
			if err != nil {
				return err
			}
			days := tag.GroupDays(events, a.norm)
			seqs := make([][]hmm.Observation, 0, len(days))
			for _, d := range days {
				shift := d.Shift
				if shift == "" && len(d.Events) > 0 {
					shift = a.norm.DetectShift(d.Events[0].Timestamp)
				}
				seqs = append(seqs, hmm.ObservationsFromEvents(d.Events, a.norm, shift))
			}

			var m *hmm.Model
			if fresh {
				m = hmm.New("tagflow")
				if seed != 0 {
					m.Initialize(hmm.Random(seed))
				} else {
					m.Initialize(hmm.DomainKnowledge())
				}
			} else if m, err = a.loadModel(); err != nil {
				return err
			}

			tr := hmm.NewTrainer(
				hmm.WithMaxIterations(a.cfg.Training.MaxIterations),
				hmm.WithThreshold(a.cfg.Training.Threshold),
				hmm.WithTimeout(a.cfg.Training.Timeout),
				hmm.WithTrainerLogger(a.logger),
				hmm.WithIterationHook(func(it hmm.Iteration) {
					a.metrics.TrainingIteration(it.LogLikelihood)
				}),
			)
			res, err := tr.Fit(cmd.Context(), m, seqs)
			if err != nil {
				return fmt.Errorf("training: %w", err)
			}

			if report := m.Validate(); !report.Valid() {
				for _, issue := range report.Issues {
					a.logger.Warn("trained model", "issue", issue)
				}
				return fmt.Errorf("trained model failed validation with %d issues", len(report.Issues))
			}
			if err := a.saveModel(m); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			status := color.GreenString("converged")
			switch {
			case res.TimedOut:
				status = color.YellowString("timed out")
			case !res.Converged:
				status = color.YellowString("stopped at max iterations")
			}
			fmt.Fprintf(out, "Trained on %d sequences: %s after %d iterations\n", res.Sequences, status, len(res.History))
			fmt.Fprintf(out, "Log-likelihood %.2f → %.2f, %d new locations\n",
				res.InitialLogLikelihood, res.FinalLogLikelihood, res.VocabularyAdded)
			fmt.Fprintf(out, "Model written to %s\n", a.cfg.ModelPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "start from a new model instead of the saved one")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "with --fresh, randomize the starting tables with this seed")
	return cmd
}
