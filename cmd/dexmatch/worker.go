package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/alerts"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/cluster"
	"github.com/navid-fn/dexmatch/internal/manager"
	"github.com/navid-fn/dexmatch/internal/matching"
	"github.com/navid-fn/dexmatch/internal/server"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var index, count int
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one exchange manager shard; started by the coordinator",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 || index < 0 || index >= count {
				return fmt.Errorf("invalid shard %d of %d", index, count)
			}
			return runWorker(cmd.Context(), configs.AppLoad(), index, count)
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "worker index")
	cmd.Flags().IntVar(&count, "count", 1, "total number of workers")
	return cmd
}

func runWorker(ctx context.Context, cfg *configs.AppConfig, index, count int) error {
	logger := configs.NewLogger(cfg.LogLevel).WithField("worker", index)

	// Ctrl-C reaches the whole process group; the coordinator orders the stop.
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	conn, err := cluster.OpenInherited()
	if err != nil {
		return err
	}
	defer conn.Close()

	m, registry, err := buildManager(ctx, cfg, index, count, logger)
	if err != nil {
		logger.Errorf("Worker setup failed: %v", err)
		return err
	}
	if err := m.Initialize(ctx); err != nil {
		logger.Errorf("Exchange manager failed to initialize: %v", err)
		_ = m.Shutdown(context.Background())
		return err
	}

	var srv *server.Server
	if cfg.Server.BasePort > 0 {
		srv = server.New(fmt.Sprintf(":%d", cfg.Server.BasePort+index), &server.Config{
			Exchanges: m,
			Trades:    m.Storage(),
			Registry:  registry,
			Logger:    logger,
		})
		if err := srv.Start(); err != nil {
			logger.Warnf("Status server disabled: %v", err)
			srv = nil
		}
	}

	agent := cluster.NewAgent(conn, index, logger)
	agent.Health = func(ctx context.Context) (map[string]any, error) {
		return workerHealth(m)
	}
	if err := agent.Online(); err != nil {
		logger.Errorf("Announce online: %v", err)
	}

	req, serveErr := agent.Serve(ctx)
	if serveErr != nil && ctx.Err() == nil {
		logger.Errorf("Stopping without coordinator: %v", serveErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.ShutdownGrace)
	defer cancel()
	var stopErrs []error
	if srv != nil {
		stopErrs = append(stopErrs, srv.Stop(stopCtx))
	}
	stopErrs = append(stopErrs, m.Shutdown(stopCtx))
	stopErr := errors.Join(stopErrs...)

	if serveErr == nil {
		if err := agent.AckShutdown(req, stopErr); err != nil {
			logger.Warnf("Acknowledge shutdown: %v", err)
		}
		return stopErr
	}
	if ctx.Err() != nil {
		return stopErr
	}
	return errors.Join(serveErr, stopErr)
}

// buildManager opens the worker's connections. On error, whatever was opened
// is closed again.
func buildManager(ctx context.Context, cfg *configs.AppConfig, index, count int, logger logrus.FieldLogger) (m *manager.Manager, registry *prometheus.Registry, err error) {
	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	store, err := storage.NewPostgresStorage(cfg.Database.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { store.Close() })

	c := cache.New(cfg.Redis)
	closers = append(closers, func() { c.Close() })

	b, err := broker.Connect(ctx, cfg.Kafka, logger.WithField("component", "broker"))
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, b.Close)

	pool, err := chain.NewPool(cfg.Chain, chain.DialEthereum, logger.WithField("component", "rpc-pool"))
	if err != nil {
		return nil, nil, err
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m = manager.New(manager.NewConfig(cfg, index, count), manager.Deps{
		Storage:    store,
		Cache:      c,
		Broker:     b,
		Pool:       pool,
		Alerts:     alerts.NewSink(c, b.Publisher, logger.WithField("component", "alerts")),
		Collectors: matching.NewCollectors(registry),
		Logger:     logger,
	})
	return m, registry, nil
}

// workerHealth is the detail a worker reports with each HEALTH_ACK.
func workerHealth(m *manager.Manager) (map[string]any, error) {
	checks := m.Health()
	healthy := 0
	for _, check := range checks {
		if check.Status == faulttolerance.HealthStatusHealthy {
			healthy++
		}
	}
	detail := map[string]any{
		"tracked": len(checks),
		"healthy": healthy,
		"ceiling": m.Ceiling(),
		"status":  m.OverallHealth(),
	}
	if !m.Ready() {
		return detail, errors.New("exchange manager not ready")
	}
	return detail, nil
}
