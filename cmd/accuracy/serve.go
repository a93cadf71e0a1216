package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/api"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/chunkstore"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/engine"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/logging/pgfeedback"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/query"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/shadow"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/telemetry"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/tuner"
)

// feedbackStore is both the engine's sink and the tuner's source.
type feedbackStore interface {
	engine.FeedbackSink
	tuner.FeedbackSource
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service, shadow dispatcher and tuner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// #region serve
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	shutdownTracing := telemetry.InitTracing(cfg.Telemetry)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing_shutdown_failed", "error", err)
		}
	}()

	// Config store and append-only logs
	store, logs, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := store.Active(ctx)
	if err != nil {
		return err
	}
	holder := accuracy.NewHolder(active)

	// Feedback sink: Postgres when configured, otherwise the SQLite log
	var feedback feedbackStore = logs
	if cfg.Storage.PostgresDSN != "" {
		pool, err := pgfeedback.Connect(ctx, cfg.Storage.PostgresDSN, cfg.Storage.PostgresMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		sink := pgfeedback.New(pool)
		if err := sink.Migrate(ctx); err != nil {
			return err
		}
		feedback = sink
		logger.Info("feedback_sink", "backend", "postgres")
	}

	// Query processing
	var (
		dict     query.Dictionary = query.NewStaticDictionary("empty", nil)
		fileDict *query.FileDictionary
	)
	if cfg.Query.DictionaryPath != "" {
		fileDict, err = query.LoadFileDictionary(cfg.Query.DictionaryPath, logger)
		if err != nil {
			return err
		}
		dict = fileDict
	}
	processor, err := query.NewProcessor(dict, cfg.Query.CacheSize)
	if err != nil {
		return err
	}

	// Chunk store
	var chunks engine.ChunkStore
	switch {
	case cfg.ChunkStore.URL != "":
		chunks = chunkstore.NewHTTPStore(cfg.ChunkStore.URL, cfg.ChunkStore.Timeout)
	case cfg.ChunkStore.FixturePath != "":
		fx, err := chunkstore.LoadFixture(cfg.ChunkStore.FixturePath)
		if err != nil {
			return err
		}
		chunks = fx
	default:
		return errors.New("chunk_store: one of url or fixture_path is required to serve")
	}

	// Shadow testing and tuning
	dispatcher := shadow.NewDispatcher(shadow.NewRunner(cfg.Shadow.TopK), logs, cfg.DispatcherConfig(), logger)
	defer dispatcher.Close()

	comparator, err := cfg.Comparator()
	if err != nil {
		return err
	}
	tn := tuner.New(store, feedback, logs, cfg.TunerConfig(), comparator, logger)
	svc := tuner.NewService(tn, holder)

	eng, err := engine.New(engine.Options{
		Processor:    processor,
		Chunks:       chunks,
		Holder:       holder,
		Configs:      store,
		Feedback:     feedback,
		Served:       logs,
		Shadow:       dispatcher,
		ExperimentID: cfg.Experiment.ID,
		Arms:         cfg.Experiment.Arms,
		Notify:       svc.Trigger,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// Transports
	e := api.NewServer(api.NewHandler(eng, logger))

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	logger.Info("starting",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"active_version", active.Version,
		"experiment_id", cfg.Experiment.ID,
		"tuner_enabled", cfg.Tuner.Enabled,
		"comparator", comparator.Name(),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.Start(cfg.Server.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(lis)
	})

	if cfg.Tuner.Enabled {
		g.Go(func() error {
			return svc.Run(gCtx)
		})
	}

	if fileDict != nil && cfg.Query.WatchDictionary {
		g.Go(func() error {
			return fileDict.Watch(gCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting_down")
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	dispatcher.Close()
	stats := dispatcher.Stats()
	logger.Info("stopped",
		"shadow_submitted", stats.Submitted,
		"shadow_recorded", stats.Recorded,
		"shadow_dropped", stats.Dropped,
		"shadow_failed", stats.Failed,
	)
	return nil
}

// #endregion serve
