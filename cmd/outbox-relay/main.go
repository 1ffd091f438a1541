// Package main provides the outbox relay entry point.
// Publishes study events written to the outbox table to Kafka.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/config"
	"github.com/radbridge/go-mwl/internal/infrastructure/postgres"
	"github.com/radbridge/go-mwl/internal/infrastructure/redpanda"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
	"github.com/radbridge/go-mwl/internal/observability/tracing"
)

const (
	serviceName     = "outbox-relay"
	cleanupInterval = time.Hour
	retainProcessed = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.Logger()
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	if err := cfg.RequirePostgres(serviceName); err != nil {
		logger.Fatal("unsupported store", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Topics
	brokers := cfg.Brokers()
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("kafka admin creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, cfg.KafkaReplication); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	// Create producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to kafka", zap.Strings("brokers", brokers))

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), m, logger)
	relay.Start(ctx)
	logger.Info("outbox relay started")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			relay.Stop()
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			n, err := relay.CleanupProcessed(ctx, retainProcessed)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Debug("outbox cleaned up", zap.Int64("rows", n))
		}
	}
}
