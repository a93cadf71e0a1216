package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/config"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/logging"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/state"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/telemetry"
)

// #region root
// app carries what every subcommand needs after flags are parsed.
type app struct {
	cfgFile string
	dbPath  string
	jsonOut bool

	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "accuracy",
		Short: "Retrieval accuracy engine",
		Long: `accuracy serves ranked retrieval results under a versioned scoring
config and tunes that config from user feedback, validating every change
with shadow tests before it becomes ACTIVE.

Example usage:
  accuracy serve --config accuracy.yaml   # Run the HTTP/gRPC service and tuner
  accuracy config active                  # Show the ACTIVE config
  accuracy config list --limit 10         # Recent versions, newest first
  accuracy replay                         # Dry-run the next proposal from the logs
  accuracy inspect --version 3            # Transitions and shadow summary`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.init()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite path (overrides storage.sqlite_path)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		newServeCmd(a),
		newConfigCmd(a),
		newReplayCmd(a),
		newInspectCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.dbPath != "" {
		cfg.Storage.SQLitePath = a.dbPath
	}
	a.cfg = cfg
	a.logger = telemetry.NewLogger(cfg.Telemetry, os.Stderr)
	slog.SetDefault(a.logger)
	return nil
}

// #endregion root

// #region helpers
// openStore opens the config store and bootstraps version 1 if it is empty.
func (a *app) openStore(ctx context.Context) (*state.Store, *logging.Logs, error) {
	store, err := state.NewStore(a.cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := store.Bootstrap(ctx, a.cfg.Bootstrap.Weights, a.cfg.Bootstrap.Thresholds); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}
	logs, err := logging.NewLogs(store.DB())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open logs: %w", err)
	}
	return store, logs, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion helpers
