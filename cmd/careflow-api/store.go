package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/config"
	"github.com/drfirst/careflow/internal/domain/booking"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/infrastructure/postgres"
	"github.com/drfirst/careflow/internal/store"
)

type closableStore interface {
	store.Store
	Close() error
}

// openStore builds the configured document store. pool is nil for the
// memory backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (closableStore, *pgxpool.Pool, error) {
	if cfg.StoreBackend == config.BackendMemory {
		mem := store.NewMemory(logger)
		if err := seedDoctors(mem); err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-memory store, data is lost on restart")
		return mem, nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to database")
	return postgres.NewDocuments(pool, postgres.DefaultDocumentsConfig(), logger), pool, nil
}

// seedDoctors lists one doctor per specialty so the memory backend can book
func seedDoctors(mem *store.Memory) error {
	names := []string{"Dr. Priya Sharma", "Dr. Arjun Rao", "Dr. Meera Iyer", "Dr. Kabir Khan", "Dr. Neha Gupta", "Dr. Vikram Singh"}
	for i, sp := range booking.Specialties {
		doc := model.Doctor{
			Name:       names[i%len(names)],
			Specialty:  sp,
			Experience: 5 + i*2,
			Rating:     4.5,
			Available:  true,
		}
		if err := mem.Seed(model.CollectionDoctors, fmt.Sprintf("doc%d", i+1), doc); err != nil {
			return err
		}
	}
	return nil
}
