package notify

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/store"
)

// Emitter appends notifications to the notifications collection
type Emitter struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewEmitter creates an emitter. logger and m may be nil.
func NewEmitter(s store.Store, logger *zap.Logger, m *metrics.Metrics) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		store:   s,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("notify"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit stores n as an unread notification and returns its id.
func (e *Emitter) Emit(ctx context.Context, n model.Notification) (string, error) {
	ctx, span := e.tracer.Start(ctx, "emit_notification")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.type", string(n.Type)),
		attribute.String("user.id", n.UserID),
	)

	if n.UserID == "" {
		return "", fmt.Errorf("emit notification %q: user id is required", n.Title)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}
	n.ID = ""
	n.IsRead = false

	id, err := e.store.Create(ctx, model.CollectionNotifications, n)
	e.metrics.NotificationEmitted(string(n.Type), err)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("emit notification %q: %w", n.Title, err)
	}

	e.logger.Info("Notification emitted",
		zap.String("notification_id", id),
		zap.String("user_id", n.UserID),
		zap.String("title", n.Title),
	)
	return id, nil
}

// EmitOnce stores n under its own ID unless a notification with that ID
// already exists. It reports whether this call wrote it.
func (e *Emitter) EmitOnce(ctx context.Context, n model.Notification) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "emit_notification_once")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("user.id", n.UserID),
	)

	if n.UserID == "" || n.ID == "" {
		return false, fmt.Errorf("emit notification %q: user id and id are required", n.Title)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}
	n.IsRead = false

	created, err := e.store.CreateOnce(ctx, model.CollectionNotifications, n.ID, n)
	if err != nil {
		e.metrics.NotificationEmitted(string(n.Type), err)
		span.RecordError(err)
		return false, fmt.Errorf("emit notification %q: %w", n.Title, err)
	}
	if !created {
		e.logger.Debug("Notification already emitted", zap.String("notification_id", n.ID))
		return false, nil
	}
	e.metrics.NotificationEmitted(string(n.Type), nil)

	e.logger.Info("Notification emitted",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("title", n.Title),
	)
	return true, nil
}

// EmitTemplate renders a template and emits it.
func (e *Emitter) EmitTemplate(ctx context.Context, templateID, userID string, vars map[string]string) (string, error) {
	n, ok := Render(templateID, userID, vars)
	if !ok {
		return "", fmt.Errorf("unknown notification template %q", templateID)
	}
	return e.Emit(ctx, n)
}

// BestEffort emits a templated notification and logs any failure instead
// of returning it. Used after a primary write has already succeeded.
func (e *Emitter) BestEffort(ctx context.Context, templateID, userID string, vars map[string]string) {
	if _, err := e.EmitTemplate(ctx, templateID, userID, vars); err != nil {
		e.logger.Warn("Notification not emitted",
			zap.String("template", templateID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
