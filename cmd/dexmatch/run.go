package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/alerts"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/cluster"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		workers       int
		skipPreflight bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the coordinator, which forks and supervises the workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configs.AppLoad()
			if workers > 0 {
				cfg.Cluster.Workers = workers
			}
			return runCoordinator(cmd.Context(), cfg, !skipPreflight)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of worker processes (overrides CLUSTER_WORKERS)")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "start without checking Postgres, Redis, Kafka and RPC first")
	return cmd
}

func runCoordinator(ctx context.Context, cfg *configs.AppConfig, preflight bool) error {
	logger := configs.NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if preflight {
		if err := checkDependencies(ctx, productionDependencies(cfg, logger), logger); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	crash, err := faulttolerance.NewPersistenceManager(cfg.Cluster.DiagnosticsDir, logger)
	if err != nil {
		return err
	}
	spawner, err := cluster.NewExecSpawner(logger)
	if err != nil {
		return err
	}

	alertStore := cache.New(cfg.Redis)
	defer alertStore.Close()

	c := cluster.New(cfg.Cluster, cluster.Deps{
		Spawner: spawner,
		Alerts:  alerts.NewSink(alertStore, nil, logger.WithField("component", "alerts")),
		Crash:   crash,
		Logger:  logger,
	})
	defer c.Recover()
	c.RecoverDiagnostics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("Coordinator %d starting %d workers", os.Getpid(), cfg.Cluster.Workers)
	if err := c.Run(ctx); err != nil {
		return err
	}
	logger.Info("Coordinator stopped")
	return nil
}
