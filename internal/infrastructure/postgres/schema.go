// Package postgres provides PostgreSQL infrastructure components: a JSONB
// document store with LISTEN/NOTIFY subscriptions and a transactional outbox.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the document and outbox tables
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq        BIGSERIAL,
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops);
CREATE INDEX IF NOT EXISTS documents_seq_idx ON documents (collection, seq);

CREATE TABLE IF NOT EXISTS outbox (
	id           BIGSERIAL PRIMARY KEY,
	document_id  TEXT        NOT NULL,
	collection   TEXT        NOT NULL,
	change_type  TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	kafka_topic  TEXT        NOT NULL,
	kafka_key    TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	retry_count  INT         NOT NULL DEFAULT 0,
	last_error   TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;
`

// Migrate applies Schema followed by any extra DDL, in one transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool, extra ...string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ddl := range append([]string{Schema}, extra...) {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
