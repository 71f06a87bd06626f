// Package server exposes a worker's status over HTTP: liveness, readiness,
// per-exchange health, Prometheus metrics and recorded trades.
package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/navid-fn/dexmatch/internal/manager"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Exchanges is the view of the exchange manager the server needs.
type Exchanges interface {
	Status() []manager.ExchangeStatus
	Health() map[string]faulttolerance.HealthCheck
	Ready() bool
	RequestMatch(ctx context.Context, contract string, orderID uint64, reason string, priority uint8) error
}

// Trades reads recorded trades.
type Trades interface {
	LatestTrades(ctx context.Context, contract string, limit int) ([]*models.Trade, error)
	CountTrades(ctx context.Context, contract string) (int64, error)
}

type Config struct {
	Exchanges Exchanges
	Trades    Trades

	// Registry backs /metrics and receives the HTTP request metrics.
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger
}

func NewRouter(cfg *Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger), newRequestMetrics(cfg.Registry).middleware())

	health := NewHealthHandler(cfg.Exchanges)
	router.GET("/health", health.Report)
	router.GET("/health/live", health.Live)
	router.GET("/health/ready", health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))

	api := router.Group("/v1/")
	registerExchangeRoutes(api, NewExchangeHandler(cfg.Exchanges, cfg.Trades, cfg.Logger))

	return router
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}
