package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/logging/pgfeedback"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/tuner"
)

// #region replay-cmd
func newReplayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay the feedback logs and show what the tuner would do next",
		Long: `Rebuild the tuner's aggregates from the append-only logs and print the
decision the next cycle would take. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, logs, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var feedback tuner.FeedbackSource = logs
			if a.cfg.Storage.PostgresDSN != "" {
				pool, err := pgfeedback.Connect(ctx, a.cfg.Storage.PostgresDSN, a.cfg.Storage.PostgresMaxConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				feedback = pgfeedback.New(pool)
			}

			comparator, err := a.cfg.Comparator()
			if err != nil {
				return err
			}
			tn := tuner.New(store, feedback, logs, a.cfg.TunerConfig(), comparator, a.logger)
			rep, agg, err := tn.Preview(ctx)
			if err != nil {
				return err
			}

			if a.jsonOut {
				return a.printJSON(map[string]any{"report": rep, "aggregates": agg})
			}
			a.printReplay(rep, agg)
			return nil
		},
	}
}

func (a *app) printReplay(rep tuner.Report, agg tuner.Aggregates) {
	fmt.Fprintf(a.out, "events=%d duplicates=%d unattributed=%d\n\n", agg.Events, agg.Duplicates, agg.Unattributed)

	versions := make([]int64, 0, len(agg.Versions))
	for v := range agg.Versions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	fmt.Fprintf(a.out, "%-8s  %6s  %8s  %8s  %8s  %8s\n", "Version", "N", "Mean", "dSem", "dKw", "dRec")
	for _, v := range versions {
		st := agg.Stats(v)
		d := agg.Direction(v)
		fmt.Fprintf(a.out, "%-8s  %6d  %8.4f  %8.4f  %8.4f  %8.4f\n",
			fmt.Sprintf("v%d", v), st.N, st.Mean(), d.SemanticSim, d.KeywordOverlap, d.RecencyScore)
	}

	fmt.Fprintf(a.out, "\nnext: %s (%s)\n", rep.Outcome, rep.Reason)
	if p := rep.Proposal; p != nil && p.Action == "propose" {
		fmt.Fprintf(a.out, "  proposed weights: semantic=%.4f keyword=%.4f recency=%.4f (|delta|=%.4f)\n",
			p.Weights.Semantic, p.Weights.Keyword, p.Weights.Recency, p.DeltaNorm)
	}
	if d := rep.Decision; d != nil {
		for _, c := range d.Checks {
			mark := "FAIL"
			if c.Pass {
				mark = "ok"
			}
			fmt.Fprintf(a.out, "  [%-4s] %-24s %.4f\n", mark, c.Name, c.Value)
		}
		for _, v := range d.Vetoes {
			fmt.Fprintf(a.out, "  veto %s: %s\n", v.Type, v.Reason)
		}
	}
}

// #endregion replay-cmd
