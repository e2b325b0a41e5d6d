// Package main provides the status ingest service entry point.
// Consumes pharmacy and doctor status updates and applies them to orders
// and appointments.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/infrastructure/postgres"
	"github.com/drfirst/careflow/internal/infrastructure/redpanda"
	"github.com/drfirst/careflow/internal/ingest"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/observability/tracing"
	"github.com/drfirst/careflow/pkg/idempotency"
	"github.com/drfirst/careflow/pkg/workerpool"
)

const serviceName = "status-ingest"

func main() {
	cfg, err := config.Load("8082")
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.StoreBackend != config.BackendPostgres {
		logger.Fatal("status ingest needs the shared postgres store", zap.String("store", cfg.StoreBackend))
	}

	ctx := context.Background()

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
	if err := postgres.Migrate(ctx, pool, idempotency.Schema); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	docs := postgres.NewDocuments(pool, postgres.DefaultDocumentsConfig(), logger)
	defer docs.Close()

	icfg := idempotency.DefaultInboxConfig()
	icfg.IsTerminal = ingest.IsTerminal
	inbox := idempotency.NewInbox(pool, icfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	handler := ingest.NewHandler(docs, notify.NewEmitter(docs, logger, m), inbox, logger, m)

	wcfg := workerpool.DefaultConfig()
	wcfg.Workers = cfg.Workers
	workers := workerpool.New(wcfg, logger)
	workers.Start()

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.KafkaGroup

	consumer, err := redpanda.NewConsumer(ccfg, handler.Handle, workers, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}

	consumer.Start()
	logger.Info("status ingest started",
		zap.Strings("topics", ccfg.Topics),
		zap.Int("workers", wcfg.Workers))

	r := chi.NewRouter()
	r.Get("/health", handlers.Health(serviceName))
	r.Get("/ready", handlers.Ready(map[string]handlers.Check{
		"database": pool.Ping,
		"broker": func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
		},
		"workers": func(ctx context.Context) error {
			if !workers.IsHealthy() {
				return errors.New("worker queues near capacity")
			}
			return nil
		},
	}))
	r.Get("/lag", func(w http.ResponseWriter, r *http.Request) {
		lag, err := admin.ConsumerLag(r.Context(), ccfg.GroupID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"lag": lag})
	})
	r.Handle("/metrics", metrics.Handler(reg))

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	// consumer first so no new work reaches the pool
	consumer.Stop()
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	logger.Info("status ingest stopped", zap.Any("stats", workers.Stats()))
}
