// Package main provides the bridge API entry point: order lifecycle callbacks in,
// ORM^O01 messages out to the worklist, MPPS objects in over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radbridge/go-mwl/internal/accession"
	"github.com/radbridge/go-mwl/internal/api/handlers"
	"github.com/radbridge/go-mwl/internal/api/middleware"
	"github.com/radbridge/go-mwl/internal/config"
	"github.com/radbridge/go-mwl/internal/domain/radiology"
	"github.com/radbridge/go-mwl/internal/hl7v2"
	"github.com/radbridge/go-mwl/internal/infrastructure/memory"
	"github.com/radbridge/go-mwl/internal/infrastructure/postgres"
	"github.com/radbridge/go-mwl/internal/mpps"
	"github.com/radbridge/go-mwl/internal/observability/metrics"
	"github.com/radbridge/go-mwl/internal/observability/tracing"
	"github.com/radbridge/go-mwl/internal/orchestrator"
	"github.com/radbridge/go-mwl/internal/worklist"
	"github.com/radbridge/go-mwl/pkg/circuitbreaker"
)

const serviceName = "bridge-api"

type seedProvisioner interface {
	ProvisionSeed(ctx context.Context, key, value string) (bool, error)
}

// stores groups the persistence ports for the configured backend
type stores struct {
	studies radiology.StudyRepository
	seeds   accession.SeedStore
	probes  []handlers.Probe
	close   func()
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
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

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store setup failed", zap.Error(err))
	}
	defer st.close()

	if err := provisionSeed(ctx, cfg, st.seeds, logger); err != nil {
		logger.Fatal("accession seed provisioning failed", zap.Error(err))
	}

	// Accession numbers
	genCfg := accession.DefaultConfig()
	genCfg.Key = cfg.AccessionSeedKey
	generator := accession.New(st.seeds, genCfg, m, logger)

	// Worklist
	composer := worklist.NewComposer(worklist.ComposerConfig{
		SendingApp:        cfg.HL7SendingApp,
		SendingFacility:   cfg.HL7SendingFacility,
		ReceivingApp:      cfg.HL7ReceivingApp,
		ReceivingFacility: cfg.HL7ReceivingFacility,
	})
	breakers := circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		bc := circuitbreaker.DefaultConfig(name)
		bc.OnStateChange = func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, to.Gauge())
		}
		return bc
	}, logger)
	orch := orchestrator.New(orchestrator.Config{
		Host:        cfg.WorklistHost,
		Port:        cfg.WorklistPort,
		SendTimeout: cfg.WorklistSendTimeout,
	}, composer, orchestrator.NewTracker(st.studies, logger),
		hl7v2.NewClient(hl7v2.DefaultClientConfig(), logger), breakers, m, logger)

	// Handlers
	orderHandler := handlers.NewOrderHandler(generator, orch, cfg.StudyUIDRoot, logger)
	mppsHandler := handlers.NewMPPSHandler(mpps.NewIngester(st.studies, m, logger), logger)
	studyHandler := handlers.NewStudyHandler(st.studies)
	healthHandler := handlers.NewHealthHandler(serviceName, breakers, st.probes...)

	apiKeys, err := cfg.APIKeyMap()
	if err != nil {
		logger.Fatal("invalid API_KEYS", zap.Error(err))
	}
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS is empty, authentication disabled")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Mount("/orders", orderHandler.Routes())
		r.Mount("/mpps", mppsHandler.Routes())
		r.Mount("/studies", studyHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WorklistSendTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting bridge API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("worklist", orch.Destination()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, state is lost on restart")
		store := memory.NewStore()
		return &stores{studies: store, seeds: store, close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return &stores{
		studies: postgres.NewStudyStore(pool, logger),
		seeds:   postgres.NewSeedStore(pool),
		probes:  []handlers.Probe{{Name: "postgres", Check: pingCheck(pool)}},
		close:   pool.Close,
	}, nil
}

func pingCheck(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

// provisionSeed creates the seed entry from ACCESSION_SEED_INITIAL unless it exists
func provisionSeed(ctx context.Context, cfg *config.Config, seeds accession.SeedStore, logger *zap.Logger) error {
	if cfg.AccessionSeedInitial == "" {
		return nil
	}
	if _, err := accession.ParseSeed(cfg.AccessionSeedInitial); err != nil {
		return err
	}
	p, ok := seeds.(seedProvisioner)
	if !ok {
		return nil
	}
	created, err := p.ProvisionSeed(ctx, cfg.AccessionSeedKey, cfg.AccessionSeedInitial)
	if err != nil {
		return err
	}
	if created {
		logger.Info("accession seed provisioned",
			zap.String("key", cfg.AccessionSeedKey),
			zap.String("value", cfg.AccessionSeedInitial))
	}
	return nil
}
