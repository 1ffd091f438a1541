// Package main provides the MPPS listener entry point.
// Consumes MPPS objects from the inbound topic and updates performed status.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radbridge/go-mwl/internal/api/handlers"
	"github.com/radbridge/go-mwl/internal/config"
	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/infrastructure/postgres"
	"github.com/radbridge/go-mwl/internal/infrastructure/redpanda"
	"github.com/radbridge/go-mwl/internal/mpps"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
	"github.com/radbridge/go-mwl/internal/observability/tracing"
	"github.com/radbridge/go-mwl/pkg/idempotency"
	"github.com/radbridge/go-mwl/pkg/workerpool"
)

const serviceName = "mpps-listener"

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

	// MPPS objects refer to studies registered by the bridge API; only a shared database sees them
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

	// Studies and inbox
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool, idempotency.Schema); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	var studies radiology.PerformedStatusStore = postgres.NewStudyStore(pool, logger)
	inboxStore := idempotency.NewPostgresStore(pool)

	brokers := cfg.Brokers()
	probes := []handlers.Probe{
		{Name: "postgres", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
		{Name: "kafka", Check: func(ctx context.Context) error { return redpanda.HealthCheck(ctx, brokers) }},
	}

	listener := mpps.NewListener(
		mpps.NewIngester(studies, m, logger),
		idempotency.NewInbox(inboxStore, idempotency.DefaultConfig(), logger),
		m, logger)

	// Records of one study stay on one worker
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.MPPSWorkers
	workers, err := workerpool.New(poolCfg, mpps.Work, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumer, err := redpanda.NewConsumer(consumerCfg, listener.Handle, mpps.PoolDispatcher(workers, logger), m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	health := handlers.NewHealthHandler(serviceName, nil, probes...)
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		workers.Start(context.WithoutCancel(gctx))
		consumer.Start(gctx)
		logger.Info("mpps listener started",
			zap.Strings("brokers", brokers),
			zap.Strings("topics", consumerCfg.Topics),
			zap.Int("workers", poolCfg.Workers))
		<-gctx.Done()

		// the consumer finishes its current poll before the pool drains
		consumer.Stop()
		return workers.Stop()
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("mpps listener stopped with error", zap.Error(err))
		return
	}
	logger.Info("mpps listener stopped")
}
