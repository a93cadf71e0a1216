package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/state"
)

// #region config-cmd
func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage accuracy config versions",
	}
	cmd.AddCommand(
		newConfigActiveCmd(a),
		newConfigListCmd(a),
		newConfigProposeCmd(a),
		newConfigEnrollCmd(a),
		newConfigPromoteCmd(a),
		newConfigRetireCmd(a),
	)
	return cmd
}

func newConfigActiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the ACTIVE config and the candidate under test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *state.Store) error {
				active, err := store.Active(cmd.Context())
				if err != nil {
					return err
				}
				cand, err := store.Candidate(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(map[string]any{"active": active, "candidate": cand})
				}
				rows := []accuracy.AccuracyConfig{active}
				if cand != nil {
					rows = append(rows, *cand)
				}
				a.printConfigTable(rows)
				return nil
			})
		},
	}
}

func newConfigListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent config versions, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *state.Store) error {
				list, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(list)
				}
				a.printConfigTable(list)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of versions to show")
	return cmd
}

func newConfigProposeCmd(a *app) *cobra.Command {
	var (
		w  accuracy.Weights
		th accuracy.Thresholds
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Create a DRAFT derived from the ACTIVE config",
		Long: `Create a DRAFT config. Unset flags inherit the ACTIVE config's values.
The running tuner enrolls the newest DRAFT into SHADOW on its next cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *state.Store) error {
				active, err := store.Active(cmd.Context())
				if err != nil {
					return err
				}
				fw, fth := active.Weights, active.Thresholds
				flags := cmd.Flags()
				if flags.Changed("semantic") {
					fw.Semantic = w.Semantic
				}
				if flags.Changed("keyword") {
					fw.Keyword = w.Keyword
				}
				if flags.Changed("recency") {
					fw.Recency = w.Recency
				}
				if flags.Changed("diversity-penalty") {
					fw.DiversityPenalty = w.DiversityPenalty
				}
				if flags.Changed("min-similarity") {
					fth.MinSimilarity = th.MinSimilarity
				}
				if flags.Changed("max-results") {
					fth.MaxResults = th.MaxResults
				}
				if flags.Changed("max-per-source") {
					fth.MaxPerSource = th.MaxPerSource
				}

				rec, err := store.Create(cmd.Context(), active.Version, fw, fth)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(rec)
				}
				fmt.Fprintf(a.out, "created v%d (DRAFT, parent v%d)\n", rec.Version, rec.ParentVersion)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.Float64Var(&w.Semantic, "semantic", 0, "semantic similarity weight")
	f.Float64Var(&w.Keyword, "keyword", 0, "keyword overlap weight")
	f.Float64Var(&w.Recency, "recency", 0, "recency weight")
	f.Float64Var(&w.DiversityPenalty, "diversity-penalty", 0, "per-source demotion")
	f.Float64Var(&th.MinSimilarity, "min-similarity", 0, "minimum composite score")
	f.IntVar(&th.MaxResults, "max-results", 0, "maximum accepted chunks")
	f.IntVar(&th.MaxPerSource, "max-per-source", 0, "maximum chunks per source (0 = no cap)")
	return cmd
}

func newConfigEnrollCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "enroll VERSION",
		Short: "Move a DRAFT into SHADOW testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *state.Store) error {
				rec, err := store.Transition(cmd.Context(), v, accuracy.StatusDraft, accuracy.StatusShadow, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "v%d is now %s\n", rec.Version, rec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual enroll", "transition reason")
	return cmd
}

func newConfigPromoteCmd(a *app) *cobra.Command {
	var (
		expect int64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "promote VERSION",
		Short: "Promote a SHADOW config to ACTIVE, bypassing the gate",
		Long: `Promote a SHADOW config to ACTIVE. The swap is conditional on the ACTIVE
version still being --expect (default: the version read just before), so a
concurrent tuner promotion makes this command fail instead of clobbering it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *state.Store) error {
				if expect == 0 {
					active, err := store.Active(cmd.Context())
					if err != nil {
						return err
					}
					expect = active.Version
				}
				rec, err := store.Promote(cmd.Context(), v, expect, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "v%d is now ACTIVE (replaced v%d)\n", rec.Version, expect)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&expect, "expect", 0, "expected ACTIVE version")
	cmd.Flags().StringVar(&reason, "reason", "manual promote", "transition reason")
	return cmd
}

func newConfigRetireCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retire VERSION",
		Short: "Retire a DRAFT or SHADOW config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *state.Store) error {
				cur, err := store.Get(cmd.Context(), v)
				if err != nil {
					return err
				}
				rec, err := store.Transition(cmd.Context(), v, cur.Status, accuracy.StatusRetired, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "v%d is now %s\n", rec.Version, rec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual retire", "transition reason")
	return cmd
}

// #endregion config-cmd

// #region output
func (a *app) withStore(cmd *cobra.Command, fn func(*state.Store) error) error {
	store, _, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (a *app) printConfigTable(rows []accuracy.AccuracyConfig) {
	fmt.Fprintf(a.out, "%-8s  %-8s  %8s  %8s  %8s  %9s  %7s  %5s  %7s  %s\n",
		"Version", "Status", "Semantic", "Keyword", "Recency", "Diversity", "MinSim", "Max", "PerSrc", "Changed")
	for _, r := range rows {
		fmt.Fprintf(a.out, "%-8s  %-8s  %8.4f  %8.4f  %8.4f  %9.4f  %7.3f  %5d  %7d  %s\n",
			fmt.Sprintf("v%d", r.Version), r.Status,
			r.Weights.Semantic, r.Weights.Keyword, r.Weights.Recency, r.Weights.DiversityPenalty,
			r.Thresholds.MinSimilarity, r.Thresholds.MaxResults, r.Thresholds.MaxPerSource,
			r.StatusChangedAt.Format("2006-01-02T15:04:05Z"))
	}
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("version must be a positive integer, got %q", s)
	}
	return v, nil
}

// #endregion output
