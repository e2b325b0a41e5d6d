package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/store"
)

// DocumentsConfig holds configuration for the document store
type DocumentsConfig struct {
	// Channel is the NOTIFY channel carrying changed collection names
	Channel string
	// ReconnectDelay is how long the listener waits after losing its connection
	ReconnectDelay time.Duration
}

// DefaultDocumentsConfig returns sensible defaults
func DefaultDocumentsConfig() DocumentsConfig {
	return DocumentsConfig{
		Channel:        "careflow_documents",
		ReconnectDelay: 2 * time.Second,
	}
}

// Documents is a store.Store over a JSONB table. Every write records a
// change event in the outbox and notifies listeners in the same transaction.
type Documents struct {
	pool   *pgxpool.Pool
	config DocumentsConfig
	logger *zap.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	subs map[*pgSubscription]struct{}

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ store.Store = (*Documents)(nil)

type pgSubscription struct {
	*store.Feed
	query store.Query

	// serializes reload so snapshots leave in query order
	mu sync.Mutex
}

func (s *pgSubscription) reload(ctx context.Context, d *Documents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := d.List(ctx, s.query)
	if err != nil {
		s.Push(store.Snapshot{Err: err})
		return err
	}
	s.Push(store.Snapshot{Docs: docs})
	return nil
}

// NewDocuments creates a document store. The listener starts with the first
// subscription.
func NewDocuments(pool *pgxpool.Pool, cfg DocumentsConfig, logger *zap.Logger) *Documents {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultDocumentsConfig().Channel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Documents{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("documents"),
		subs:   make(map[*pgSubscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Subscribe implements store.Store.
func (d *Documents) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	d.startOnce.Do(func() { go d.listen() })

	s := &pgSubscription{query: q}
	s.Feed = store.NewFeed(func() {
		d.mu.Lock()
		delete(d.subs, s)
		d.mu.Unlock()
	})
	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()

	if err := s.reload(ctx, d); err != nil {
		s.Close()
		return nil, err
	}
	s.CloseOn(ctx)
	return s, nil
}

// List implements store.Store.
func (d *Documents) List(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter, err := q.Filter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidQuery, err)
	}
	contains, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidQuery, err)
	}

	query := `
		SELECT id, data
		FROM documents
		WHERE collection = $1 AND data @> $2::jsonb
		ORDER BY seq ASC
	`
	rows, err := d.pool.Query(ctx, query, q.Collection, string(contains))
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	defer rows.Close()

	docs := []store.Document{}
	for rows.Next() {
		doc := store.Document{Collection: q.Collection}
		if err := rows.Scan(&doc.ID, &doc.Data); err != nil {
			return nil, store.Unavailable("list", fmt.Errorf("scan failed: %w", err))
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list", err)
	}
	store.Sort(docs, q.OrderBy, q.Desc)
	return docs, nil
}

// Get implements store.Store.
func (d *Documents) Get(ctx context.Context, collection, id string) (store.Document, error) {
	doc := store.Document{ID: id, Collection: collection}
	err := d.pool.QueryRow(ctx,
		"SELECT data FROM documents WHERE collection = $1 AND id = $2",
		collection, id).Scan(&doc.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Document{}, fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return store.Document{}, store.Unavailable("get", err)
	}
	return doc, nil
}

// Create implements store.Store.
func (d *Documents) Create(ctx context.Context, collection string, record any) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: collection is required", store.ErrInvalidQuery)
	}
	data, err := store.Encode(record)
	if err != nil {
		return "", err
	}

	ctx, span := d.tracer.Start(ctx, "document_create",
		trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	id := uuid.New().String()
	err = d.inTx(ctx, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx,
			"INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3) RETURNING version",
			collection, id, data).Scan(&version)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return d.recordChange(ctx, tx, collection, id, store.ChangeCreated, data, version)
	})
	if err != nil {
		span.RecordError(err)
		return "", store.Unavailable("create", err)
	}
	return id, nil
}

// CreateOnce implements store.Store.
func (d *Documents) CreateOnce(ctx context.Context, collection, id string, record any) (bool, error) {
	if collection == "" || id == "" {
		return false, fmt.Errorf("%w: collection and id are required", store.ErrInvalidQuery)
	}
	data, err := store.Encode(record)
	if err != nil {
		return false, err
	}

	ctx, span := d.tracer.Start(ctx, "document_create_once",
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.String("document_id", id),
		))
	defer span.End()

	created := false
	err = d.inTx(ctx, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx, `
			INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
			ON CONFLICT (collection, id) DO NOTHING
			RETURNING version
		`, collection, id, data).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		created = true
		return d.recordChange(ctx, tx, collection, id, store.ChangeCreated, data, version)
	})
	if err != nil {
		span.RecordError(err)
		return false, store.Unavailable("create", err)
	}
	return created, nil
}

// Update implements store.Store.
func (d *Documents) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	norm, err := store.NormalizePatch(patch)
	if err != nil {
		return err
	}

	ctx, span := d.tracer.Start(ctx, "document_update",
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.String("document_id", id),
		))
	defer span.End()

	err = d.inTx(ctx, func(tx pgx.Tx) error {
		var (
			data    map[string]any
			version int64
		)
		err := tx.QueryRow(ctx, `
			UPDATE documents
			SET data = data || $3::jsonb, version = version + 1, updated_at = NOW()
			WHERE collection = $1 AND id = $2
			RETURNING data, version
		`, collection, id, norm).Scan(&data, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return d.recordChange(ctx, tx, collection, id, store.ChangeUpdated, data, version)
	})
	if err != nil {
		span.RecordError(err)
		return store.Unavailable("update", err)
	}
	return nil
}

func (d *Documents) recordChange(ctx context.Context, tx pgx.Tx, collection, id string, ct store.ChangeType, data map[string]any, version int64) error {
	event, err := store.NewChangeEvent(collection, id, ct, data)
	if err != nil {
		return fmt.Errorf("build change event: %w", err)
	}
	event.Version = version
	entry, err := NewOutboxEntry(event)
	if err != nil {
		return err
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", d.config.Channel, collection); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (d *Documents) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close stops the listener and ends every subscription
func (d *Documents) Close() error {
	d.cancel()
	// never started: nothing else will close done
	d.startOnce.Do(func() { close(d.done) })
	<-d.done

	d.mu.Lock()
	subs := make([]*pgSubscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// listen holds a dedicated connection on the notify channel and refreshes
// subscriptions of each changed collection. A lost connection yields an
// error snapshot to every subscriber, then a full refresh once reconnected.
func (d *Documents) listen() {
	defer close(d.done)

	for d.ctx.Err() == nil {
		err := d.listenOnce()
		if d.ctx.Err() != nil {
			return
		}
		d.logger.Warn("document listener disconnected", zap.Error(err))
		d.broadcast(store.Snapshot{Err: store.Unavailable("subscription", err)})

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.config.ReconnectDelay):
		}
	}
}

func (d *Documents) listenOnce() error {
	conn, err := d.pool.Acquire(d.ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(d.ctx, "LISTEN "+pgx.Identifier{d.config.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	d.logger.Info("document listener started", zap.String("channel", d.config.Channel))

	// changes made while disconnected
	d.refresh("")

	for {
		n, err := conn.Conn().WaitForNotification(d.ctx)
		if err != nil {
			return err
		}
		d.refresh(n.Payload)
	}
}

// refresh re-queries every subscription on collection, or all of them
// when collection is empty.
func (d *Documents) refresh(collection string) {
	d.mu.Lock()
	subs := make([]*pgSubscription, 0, len(d.subs))
	for s := range d.subs {
		if collection == "" || s.query.Collection == collection {
			subs = append(subs, s)
		}
	}
	d.mu.Unlock()

	for _, s := range subs {
		if err := s.reload(d.ctx, d); err != nil {
			d.logger.Warn("subscription refresh failed",
				zap.String("collection", s.query.Collection),
				zap.Error(err))
		}
	}
}

func (d *Documents) broadcast(snap store.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.subs {
		s.Push(snap)
	}
}
