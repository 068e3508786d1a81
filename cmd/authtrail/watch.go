package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/classifier"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/config"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/gateway"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/health"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/ingest"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/server"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/tailer"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/tracing"
)

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the hostapd log and record failed attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runWatch(cmd.Context(), cfg)
		},
	}
}

// runWatch assembles the pipeline and blocks until a stop signal arrives or
// the store gives up
func runWatch(ctx context.Context, cfg *config.Config) error {
	logger, runID := newLogger(cfg).WithRunID()

	logger.Info().
		Str("version", version).
		Str("run_id", runID).
		Str("input", cfg.Input.Path).
		Str("db", cfg.Store.DBPath).
		Msg("Starting authtrail")

	shutdownMgr := shutdown.New(shutdown.Config{
		Timeout: cfg.ShutdownTimeout,
		Logger:  logger,
	})
	defer shutdownMgr.Shutdown()
	defer shutdownMgr.HandlePanic()

	collector := metrics.NewCollector()
	collector.Start()
	shutdownMgr.RegisterFunc("metrics", func(ctx context.Context) error {
		collector.Stop()
		return nil
	})

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shutdownMgr.RegisterFunc("tracing", tp.Shutdown)

	st, err := openStore(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	shutdownMgr.RegisterFunc("store", func(ctx context.Context) error {
		return st.Close()
	})

	tl, err := tailer.New(cfg.Input.Path, logger,
		tailer.WithPollInterval(cfg.Input.PollInterval),
		tailer.WithBufferSize(cfg.Input.BufferSize),
		tailer.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("failed to create tailer: %w", err)
	}

	svc, err := ingest.NewService(ingest.Config{
		Source:     tl,
		Classifier: classifier.New(),
		Store:      st,
		Retry:      cfg.Retry.Reliability(),
		Metrics:    collector,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion service: %w", err)
	}

	srv := server.New(serverConfig(cfg, collector, st, tl, logger))
	if err := srv.Start(); err != nil {
		return err
	}
	shutdownMgr.RegisterFunc("server", srv.Stop)

	runCtx, cancel := shutdownMgr.Context(ctx)
	defer cancel()

	runErr := svc.Run(runCtx)

	stats := svc.Stats()
	logger.Info().
		Int64("lines", stats.Lines).
		Int64("events", stats.Events).
		Int64("misses", stats.Misses).
		Int64("failures", stats.Failures).
		Msg("Ingestion finished")

	if err := shutdownMgr.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}

	if runErr != nil {
		if errors.Is(runErr, ingest.ErrStoreUnavailable) {
			return runErr
		}
		return fmt.Errorf("ingestion failed: %w", runErr)
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// serverConfig enables each HTTP surface that is switched on in cfg
func serverConfig(cfg *config.Config, collector *metrics.Collector, st *store.Store, probe health.TailerProbe, logger *logging.Logger) server.Config {
	srvCfg := server.Config{Logger: logger}

	if cfg.Metrics.Enabled {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.Profiling = cfg.Metrics.Profiling
		srvCfg.MetricsRegistry = collector.Registry()
	}

	if cfg.Health.Enabled {
		checker := health.NewChecker(cfg.Health.Timeout, collector)
		checker.Register("store", health.StoreCheck(st))
		checker.Register("tailer", health.TailerCheck(probe))

		srvCfg.HealthAddress = cfg.Health.Address
		srvCfg.LivenessPath = cfg.Health.LivenessPath
		srvCfg.ReadinessPath = cfg.Health.ReadinessPath
		srvCfg.HealthChecker = checker
	}

	if cfg.Gateway.Enabled {
		srvCfg.GatewayAddress = cfg.Gateway.Address
		srvCfg.Gateway = gateway.New(gateway.Config{
			Reader:    st,
			RateLimit: cfg.Gateway.RateLimit,
			Logger:    logger,
		})
	}

	return srvCfg
}
