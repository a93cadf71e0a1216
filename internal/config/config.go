// Package config loads application configuration. Sources are applied in
// order: built-in defaults, an optional YAML file, a .env file, then
// ACCURACY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/shadow"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/tuner"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/variant"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACCURACY_"

// #region sections
type Server struct {
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr        string        `yaml:"grpc_addr" env:"GRPC_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type Storage struct {
	SQLitePath       string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN      string `yaml:"postgres_dsn" env:"POSTGRES_DSN"` // feedback sink; empty keeps feedback in SQLite
	PostgresMaxConns int32  `yaml:"postgres_max_conns" env:"POSTGRES_MAX_CONNS"`
}

type Experiment struct {
	ID   string   `yaml:"id" env:"ID"`
	Arms []string `yaml:"arms" env:"ARMS" envSeparator:","`
}

type Shadow struct {
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxInFlight   int64         `yaml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`
	TopK          int           `yaml:"top_k" env:"TOP_K"`
	AppendTries   uint          `yaml:"append_tries" env:"APPEND_TRIES"`
}

type Tuner struct {
	Enabled             bool          `yaml:"enabled" env:"ENABLED"`
	Interval            time.Duration `yaml:"interval" env:"INTERVAL"`
	LearningRate        float64       `yaml:"learning_rate" env:"LEARNING_RATE"`
	MaxStepNorm         float64       `yaml:"max_step_norm" env:"MAX_STEP_NORM"`
	FeedbackHalfLife    time.Duration `yaml:"feedback_half_life" env:"FEEDBACK_HALF_LIFE"`
	FeedbackLookback    time.Duration `yaml:"feedback_lookback" env:"FEEDBACK_LOOKBACK"`
	MinProposalFeedback int           `yaml:"min_proposal_feedback" env:"MIN_PROPOSAL_FEEDBACK"`
	MinShadowSamples    int           `yaml:"min_shadow_samples" env:"MIN_SHADOW_SAMPLES"`
	MaxMeanDivergence   float64       `yaml:"max_mean_divergence" env:"MAX_MEAN_DIVERGENCE"`
	ObservationWindow   time.Duration `yaml:"observation_window" env:"OBSERVATION_WINDOW"`
	MaxPromoteAttempts  int           `yaml:"max_promote_attempts" env:"MAX_PROMOTE_ATTEMPTS"`

	Comparator       string  `yaml:"comparator" env:"COMPARATOR"` // no_worse_than | welch
	ComparatorMargin float64 `yaml:"comparator_margin" env:"COMPARATOR_MARGIN"`
	ComparatorMinN   int     `yaml:"comparator_min_samples" env:"COMPARATOR_MIN_SAMPLES"`
	ComparatorZ      float64 `yaml:"comparator_z" env:"COMPARATOR_Z"`
}

type Query struct {
	DictionaryPath  string `yaml:"dictionary_path" env:"DICTIONARY_PATH"`
	CacheSize       int    `yaml:"cache_size" env:"CACHE_SIZE"`
	WatchDictionary bool   `yaml:"watch_dictionary" env:"WATCH_DICTIONARY"`
}

type ChunkStore struct {
	URL         string        `yaml:"url" env:"URL"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	FixturePath string        `yaml:"fixture_path" env:"FIXTURE_PATH"`
}

type Telemetry struct {
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"` // json | text
	OTelLogs    bool   `yaml:"otel_logs" env:"OTEL_LOGS"`
	Tracing     bool   `yaml:"tracing" env:"TRACING"`
}

// Bootstrap seeds version 1 when the config store is empty.
type Bootstrap struct {
	Weights    accuracy.Weights    `yaml:"weights"`
	Thresholds accuracy.Thresholds `yaml:"thresholds"`
}

// #endregion sections

// #region config
// Config is the full application configuration.
type Config struct {
	Server     Server     `yaml:"server" envPrefix:"SERVER_"`
	Storage    Storage    `yaml:"storage" envPrefix:"STORAGE_"`
	Experiment Experiment `yaml:"experiment" envPrefix:"EXPERIMENT_"`
	Shadow     Shadow     `yaml:"shadow" envPrefix:"SHADOW_"`
	Tuner      Tuner      `yaml:"tuner" envPrefix:"TUNER_"`
	Query      Query      `yaml:"query" envPrefix:"QUERY_"`
	ChunkStore ChunkStore `yaml:"chunk_store" envPrefix:"CHUNK_STORE_"`
	Telemetry  Telemetry  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Bootstrap  Bootstrap  `yaml:"bootstrap"`
}

// Default returns the built-in configuration.
func Default() Config {
	dc := shadow.DefaultDispatcherConfig()
	tc := tuner.DefaultConfig()
	return Config{
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			SQLitePath:       "accuracy.db",
			PostgresMaxConns: 4,
		},
		Experiment: Experiment{
			ID:   "accuracy-tuning",
			Arms: []string{variant.ArmControl, variant.ArmShadow, variant.ArmCanary},
		},
		Shadow: Shadow{
			Timeout:       dc.Timeout,
			MaxInFlight:   dc.MaxInFlight,
			RatePerSecond: dc.RatePerSecond,
			Burst:         dc.Burst,
			TopK:          shadow.DefaultTopK,
			AppendTries:   dc.AppendTries,
		},
		Tuner: Tuner{
			Enabled:             true,
			Interval:            tc.Interval,
			LearningRate:        tc.LearningRate,
			MaxStepNorm:         tc.MaxStepNorm,
			FeedbackHalfLife:    tc.FeedbackHalfLife,
			FeedbackLookback:    tc.FeedbackLookback,
			MinProposalFeedback: tc.MinProposalFeedback,
			MinShadowSamples:    tc.MinShadowSamples,
			MaxMeanDivergence:   tc.MaxMeanDivergence,
			ObservationWindow:   tc.ObservationWindow,
			MaxPromoteAttempts:  tc.MaxPromoteAttempts,
			Comparator:          "no_worse_than",
			ComparatorMargin:    0.05,
			ComparatorMinN:      20,
			ComparatorZ:         1.645,
		},
		Query: Query{
			CacheSize: 1024,
		},
		ChunkStore: ChunkStore{
			Timeout: 2 * time.Second,
		},
		Telemetry: Telemetry{
			ServiceName: "retrieval-accuracy",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Bootstrap: Bootstrap{
			Weights:    accuracy.DefaultWeights(),
			Thresholds: accuracy.DefaultThresholds(),
		},
	}
}

// Load reads path (if non-empty), then .env (if present), then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// #endregion config

// #region validate
// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	if c.ChunkStore.URL != "" && c.ChunkStore.Timeout <= 0 {
		errs = append(errs, errors.New("chunk_store.timeout must be positive"))
	}
	if len(c.Experiment.Arms) == 0 {
		errs = append(errs, errors.New("experiment.arms must not be empty"))
	}
	for _, arm := range c.Experiment.Arms {
		switch arm {
		case variant.ArmControl, variant.ArmShadow, variant.ArmCanary:
		default:
			errs = append(errs, fmt.Errorf("experiment.arms: unknown arm %q", arm))
		}
	}
	if c.Shadow.Timeout <= 0 || c.Shadow.MaxInFlight <= 0 || c.Shadow.TopK <= 0 {
		errs = append(errs, errors.New("shadow: timeout, max_in_flight and top_k must be positive"))
	}
	if c.Tuner.Interval <= 0 {
		errs = append(errs, errors.New("tuner.interval must be positive"))
	}
	if c.Tuner.FeedbackHalfLife <= 0 || c.Tuner.FeedbackLookback <= 0 {
		errs = append(errs, errors.New("tuner: feedback_half_life and feedback_lookback must be positive"))
	}
	if c.Tuner.MaxPromoteAttempts < 1 {
		errs = append(errs, errors.New("tuner.max_promote_attempts must be at least 1"))
	}
	if _, err := c.Comparator(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Telemetry.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("telemetry.log_format: unknown format %q", c.Telemetry.LogFormat))
	}
	if err := accuracy.Validate(c.Bootstrap.Weights, c.Bootstrap.Thresholds); err != nil {
		errs = append(errs, fmt.Errorf("bootstrap: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// #endregion validate

// #region conversions
// TunerConfig converts the tuner section.
func (c Config) TunerConfig() tuner.Config {
	t := c.Tuner
	return tuner.Config{
		Interval:            t.Interval,
		LearningRate:        t.LearningRate,
		MaxStepNorm:         t.MaxStepNorm,
		FeedbackHalfLife:    t.FeedbackHalfLife,
		FeedbackLookback:    t.FeedbackLookback,
		MinProposalFeedback: t.MinProposalFeedback,
		MinShadowSamples:    t.MinShadowSamples,
		MaxMeanDivergence:   t.MaxMeanDivergence,
		ObservationWindow:   t.ObservationWindow,
		MaxPromoteAttempts:  t.MaxPromoteAttempts,
	}
}

// Comparator builds the configured feedback comparator.
func (c Config) Comparator() (tuner.Comparator, error) {
	t := c.Tuner
	switch strings.ToLower(t.Comparator) {
	case "", "no_worse_than":
		return tuner.NoWorseThan{Margin: t.ComparatorMargin, MinSamples: t.ComparatorMinN}, nil
	case "welch":
		if t.ComparatorZ <= 0 {
			return nil, errors.New("tuner.comparator_z must be positive for welch")
		}
		return tuner.WelchNonInferiority{Margin: t.ComparatorMargin, Z: t.ComparatorZ, MinSamples: t.ComparatorMinN}, nil
	default:
		return nil, fmt.Errorf("tuner.comparator: unknown comparator %q", t.Comparator)
	}
}

// DispatcherConfig converts the shadow section.
func (c Config) DispatcherConfig() shadow.DispatcherConfig {
	s := c.Shadow
	return shadow.DispatcherConfig{
		Timeout:       s.Timeout,
		MaxInFlight:   s.MaxInFlight,
		RatePerSecond: s.RatePerSecond,
		Burst:         s.Burst,
		AppendTries:   s.AppendTries,
	}
}

// #endregion conversions
