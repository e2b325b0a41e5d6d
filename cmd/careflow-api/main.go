// Package main provides the careflow API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/api/handlers"
	"github.com/drfirst/careflow/internal/api/middleware"
	"github.com/drfirst/careflow/internal/config"
	"github.com/drfirst/careflow/internal/domain/booking"
	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/fulfillment"
	"github.com/drfirst/careflow/internal/domain/lifecycle"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/inference"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/observability/tracing"
)

const serviceName = "careflow-api"

func main() {
	cfg, err := config.Load("8081")
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Environment = cfg.Env
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	docs, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer docs.Close()
	if pool != nil {
		defer pool.Close()
	}

	loc, _ := cfg.Location()
	tokens, _ := cfg.Tokens()

	icfg := inference.DefaultConfig()
	icfg.BaseURL = cfg.InferenceURL
	icfg.Timeout = cfg.InferenceTimeout
	analyzer, err := inference.NewClient(icfg, logger, m)
	if err != nil {
		logger.Fatal("inference client init failed", zap.Error(err))
	}

	cat := catalog.Default()
	emitter := notify.NewEmitter(docs, logger, m)
	bcfg := booking.DefaultConfig()
	bcfg.Location = loc

	api := handlers.NewAPI(handlers.Deps{
		Store:       docs,
		Fulfillment: fulfillment.NewService(cat, docs, emitter, logger, m),
		Booking:     booking.NewService(docs, emitter, bcfg, logger, m),
		Tracker:     lifecycle.NewTracker(docs, cat, logger, m),
		Analyzer:    analyzer,
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", handlers.Health(serviceName))
	r.Get("/ready", handlers.Ready(map[string]handlers.Check{
		"store": func(ctx context.Context) error {
			if pool != nil {
				return pool.Ping(ctx)
			}
			return nil
		},
	}))
	r.Handle("/metrics", metrics.Handler(reg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		r.Use(middleware.UserAuth(tokens))
		r.Mount("/", api.Routes())
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// the scan route waits on inference and the stream routes stay open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting careflow API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
