package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/tuner"
)

// #region inspect-cmd
type versionDetail struct {
	Config      accuracy.AccuracyConfig `json:"config"`
	Transitions []accuracy.Transition   `json:"transitions"`
	Shadow      tuner.ShadowSummary     `json:"shadow"`
	Served      int                     `json:"served"`
	Ratings     tuner.RatingStats       `json:"ratings"`
}

func newInspectCmd(a *app) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show a config version's history, shadow results and feedback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, logs, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if version == 0 {
				active, err := store.Active(ctx)
				if err != nil {
					return err
				}
				version = active.Version
			}

			rec, err := store.Get(ctx, version)
			if err != nil {
				return err
			}
			trs, err := store.Transitions(ctx, version)
			if err != nil {
				return err
			}
			shadow, err := logs.ShadowSince(ctx, version, time.Time{})
			if err != nil {
				return err
			}
			served, err := logs.ServedSince(ctx, time.Time{})
			if err != nil {
				return err
			}
			events, err := logs.Since(ctx, time.Time{})
			if err != nil {
				return err
			}

			agg := tuner.Replay(events, served, time.Now().UTC(), a.cfg.Tuner.FeedbackHalfLife)
			detail := versionDetail{
				Config:      rec,
				Transitions: trs,
				Shadow:      tuner.Summarize(shadow),
				Ratings:     agg.Stats(version),
			}
			for _, s := range served {
				if s.ConfigVersion == version {
					detail.Served++
				}
			}

			if a.jsonOut {
				return a.printJSON(detail)
			}
			a.printDetail(detail)
			return nil
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "config version (default: ACTIVE)")
	return cmd
}

func (a *app) printDetail(d versionDetail) {
	a.printConfigTable([]accuracy.AccuracyConfig{d.Config})

	fmt.Fprintf(a.out, "\nTransitions:\n")
	for _, t := range d.Transitions {
		from := string(t.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(a.out, "  %s  %-8s -> %-8s  %s\n", t.At.Format("2006-01-02T15:04:05Z"), from, t.To, t.Reason)
	}

	fmt.Fprintf(a.out, "\nServed: %d  Rated: %d  Mean rating: %.4f\n", d.Served, d.Ratings.N, d.Ratings.Mean())
	if d.Shadow.Samples > 0 {
		fmt.Fprintf(a.out, "Shadow: %d samples, mean divergence %.4f\n", d.Shadow.Samples, d.Shadow.MeanDivergence)
	}
}

// #endregion inspect-cmd
