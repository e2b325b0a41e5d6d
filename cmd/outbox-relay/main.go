// Package main provides the outbox relay service entry point.
// Publishes document change events written alongside each store commit.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/api/handlers"
	"github.com/drfirst/careflow/internal/config"
	"github.com/drfirst/careflow/internal/infrastructure/postgres"
	"github.com/drfirst/careflow/internal/infrastructure/redpanda"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"

	maintenanceInterval = 5 * time.Minute
	retention           = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load("8083")
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.StoreBackend != config.BackendPostgres {
		logger.Fatal("outbox relay needs the postgres store", zap.String("store", cfg.StoreBackend))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Environment = cfg.Env
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	admin.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger, m)
	outbox.Start()

	r := chi.NewRouter()
	r.Get("/health", handlers.Health(serviceName))
	r.Get("/ready", handlers.Ready(map[string]handlers.Check{
		"database": pool.Ping,
		"broker": func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
		},
	}))
	r.Handle("/metrics", metrics.Handler(reg))

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-ticker.C:
			maintain(ctx, outbox, logger)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	outbox.Stop()
}

// maintain parks exhausted entries and trims old processed ones
func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("outbox entries moved to dead letter", zap.Int64("count", n))
	}

	if n, err := outbox.CleanupProcessed(ctx, retention); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("outbox entries cleaned up", zap.Int64("count", n))
	}

	if stats, err := outbox.GetStats(ctx); err == nil {
		logger.Info("outbox stats",
			zap.Int64("pending", stats.Pending),
			zap.Int64("processed_24h", stats.Processed),
			zap.Int64("failed", stats.Failed))
	}
}
