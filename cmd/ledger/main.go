package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/config"
	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/database"
	"github.com/telhawk-systems/telhawk-ledger/internal/epoch"
	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/handlers"
	"github.com/telhawk-systems/telhawk-ledger/internal/idempotency"
	"github.com/telhawk-systems/telhawk-ledger/internal/ingest"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/messaging"
	natsclient "github.com/telhawk-systems/telhawk-ledger/internal/messaging/nats"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/pool"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
	"github.com/telhawk-systems/telhawk-ledger/internal/server"
	"github.com/telhawk-systems/telhawk-ledger/internal/service"
	"github.com/telhawk-systems/telhawk-ledger/internal/verify"
	"github.com/telhawk-systems/telhawk-ledger/internal/weights"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("ledger"))
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ledger service failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	// Store
	var store repository.Store
	switch cfg.Database.Type {
	case "memory":
		logger.Warn("using the in-memory store; ledger state is lost on restart")
		store = repository.NewInMemoryRepository()
	default:
		connString := cfg.Database.Postgres.ConnString()
		logger.Info("running database migrations")
		if err := database.Migrate(connString); err != nil {
			return err
		}
		pgPool, err := database.NewPool(ctx, connString, database.DefaultPoolOptions())
		if err != nil {
			return err
		}
		store = repository.NewPostgresRepositoryFromPool(pgPool)
	}
	defer store.Close()

	// Run keys
	var runs idempotency.Store
	if cfg.Redis.Enabled {
		redisRuns, err := idempotency.NewRedisStore(ctx, idempotency.RedisOptions{
			URL:        cfg.Redis.URL,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TTL:        cfg.Ledger.IdempotencyTTL,
		})
		if err != nil {
			return err
		}
		runs = redisRuns
		logger.Info("idempotency run keys stored in redis")
	} else {
		runs = idempotency.NewMemoryStore(cfg.Ledger.IdempotencyTTL)
	}
	defer runs.Close()

	// Event bus
	var bus messaging.Client
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		client, err := natsclient.NewClient(natsCfg, logger)
		if err != nil {
			return err
		}
		bus = client
	} else {
		bus = messaging.NewInMemoryClient()
	}
	defer bus.Drain()

	// Services
	factSvc := facts.NewService(store, logger)
	curationSvc := curation.NewService(store, logger)
	poolSvc := pool.NewService(store, logger)
	epochSvc := epoch.NewService(store, curationSvc, logger)
	collector := ingest.NewCollector(store, factSvc, curationSvc, logger, ingest.Options{
		BatchSize:   cfg.Ingest.BatchSize,
		Concurrency: cfg.Ingest.Concurrency,
	})
	collector.Register(ingest.NewFileAdapter(cfg.Ingest.SourceDir))

	ledger := service.NewLedger(service.Deps{
		Epochs:    epochSvc,
		Verifier:  verify.NewService(store, logger),
		Collector: collector,
		Runs:      runs,
		Bus:       bus,
		Logger:    logger,
	})

	if cfg.NATS.Workers {
		subs, err := ledger.StartWorkers(bus)
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}()
		logger.Info("job workers subscribed", "queue", messaging.QueueLedgerWorkers)
	}

	var defaultPolicy *models.WeightPolicy
	if cfg.Ledger.WeightPolicyFile != "" {
		p, err := weights.Load(cfg.Ledger.WeightPolicyFile)
		if err != nil {
			return err
		}
		defaultPolicy = &p
	}

	handler := handlers.NewHandler(handlers.Config{
		Facts:         factSvc,
		Curation:      curationSvc,
		Pool:          poolSvc,
		Epochs:        epochSvc,
		Ledger:        ledger,
		Store:         store,
		Bus:           bus,
		DefaultScope:  cfg.Ledger.DefaultScope,
		DefaultPolicy: defaultPolicy,
		BaseIssuance:  cfg.Ledger.BaseIssuanceAmount,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger service listening", "addr", srv.Addr, "scope", cfg.Ledger.DefaultScope)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
