package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/sirupsen/logrus"
)

const preflightTimeout = 10 * time.Second

type dependency struct {
	name  string
	check func(ctx context.Context) error
}

// checkDependencies runs every check, each bounded by preflightTimeout, and
// reports all failures together.
func checkDependencies(ctx context.Context, deps []dependency, logger logrus.FieldLogger) error {
	var errs []error
	for _, d := range deps {
		checkCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
		err := d.check(checkCtx)
		cancel()
		if err != nil {
			logger.Errorf("Preflight %s: %v", d.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		logger.Infof("Preflight %s: ok", d.name)
	}
	return errors.Join(errs...)
}

// productionDependencies checks Postgres, Redis, Kafka and the first RPC
// endpoint the workers will use.
func productionDependencies(cfg *configs.AppConfig, logger logrus.FieldLogger) []dependency {
	return []dependency{
		{name: "postgres", check: func(ctx context.Context) error {
			store, err := storage.NewPostgresStorage(cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			return store.Close()
		}},
		{name: "redis", check: func(ctx context.Context) error {
			c := cache.New(cfg.Redis)
			defer c.Close()
			return c.Ping(ctx)
		}},
		{name: "kafka", check: func(ctx context.Context) error {
			admin, err := broker.NewAdmin(cfg.Kafka)
			if err != nil {
				return err
			}
			defer admin.Close()
			return admin.Ping(ctx)
		}},
		{name: "rpc", check: func(ctx context.Context) error {
			client, err := chain.DialEthereum(ctx, cfg.Chain.RPCEndpoints[0])
			if err != nil {
				return err
			}
			defer client.Close()
			_, err = client.BlockNumber(ctx)
			return err
		}},
	}
}
