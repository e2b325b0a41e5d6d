// Package ingest applies provider-side status updates consumed from the
// broker to orders and appointments.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/lifecycle"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/infrastructure/redpanda"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/store"
	"github.com/drfirst/careflow/pkg/idempotency"
	"github.com/drfirst/careflow/pkg/workerpool"
)

const handlerName = "status-update"

// Result labels recorded per message
const (
	ResultApplied   = "applied"
	ResultUnchanged = "unchanged"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultRetry     = "retry"
)

// Handler decodes status messages and applies each at most once
type Handler struct {
	store   store.Store
	emitter *notify.Emitter
	inbox   idempotency.Deduper
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewHandler creates a status update handler. emitter stores the patient
// notification for provider cancellations.
func NewHandler(s store.Store, emitter *notify.Emitter, inbox idempotency.Deduper, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:   s,
		emitter: emitter,
		inbox:   inbox,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("status-ingest"),
	}
}

// IsTerminal reports handler errors that must not be retried
func IsTerminal(err error) bool {
	return workerpool.IsPermanent(err) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, lifecycle.ErrTerminal) ||
		errors.Is(err, lifecycle.ErrNotFound)
}

// Decode reads a status update. The topic decides the kind when the
// message leaves it out.
func Decode(topic string, value []byte) (model.StatusUpdate, error) {
	var u model.StatusUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, fmt.Errorf("decode status update: %w", err)
	}
	if u.Kind == "" {
		switch topic {
		case redpanda.TopicOrderStatus:
			u.Kind = model.KindOrder
		case redpanda.TopicAppointmentStatus:
			u.Kind = model.KindAppointment
		}
	}
	if u.ID == "" || u.Status == "" {
		return u, fmt.Errorf("status update missing id or status: %w", lifecycle.ErrInvalidTransition)
	}
	return u, nil
}

// Handle processes one consumed message. Malformed and rejected updates
// are logged and dropped; only transient failures return an error so the
// message is delivered again.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := h.tracer.Start(ctx, "apply_status_update",
		trace.WithAttributes(attribute.String("topic", msg.Topic)))
	defer span.End()
	h.metrics.Consumed(1)

	u, err := Decode(msg.Topic, msg.Value)
	if err != nil {
		h.logger.Warn("Dropping malformed status update",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		h.metrics.StatusUpdate("unknown", ResultRejected)
		return nil
	}
	span.SetAttributes(
		attribute.String("kind", string(u.Kind)),
		attribute.String("record_id", u.ID),
		attribute.String("status", string(u.Status)),
	)

	key := idempotency.GenerateKey(u.Kind.Collection(), u.ID, string(u.Status), u.OccurredAt)
	res, err := h.inbox.Process(ctx, key, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		applied, err := lifecycle.ApplyStatusUpdate(ctx, h.store, h.emitter, u)
		if err != nil {
			if IsTerminal(err) {
				return nil, workerpool.Permanent(err)
			}
			return nil, err
		}
		return json.Marshal(map[string]bool{"applied": applied})
	})

	kind := string(u.Kind)
	switch {
	case err == nil && res.Duplicate:
		h.metrics.StatusUpdate(kind, ResultDuplicate)
		h.logger.Debug("Duplicate status update", zap.String("id", u.ID), zap.String("status", string(u.Status)))
		return nil
	case err == nil:
		var out struct{ Applied bool }
		_ = json.Unmarshal(res.Result, &out)
		result := ResultUnchanged
		if out.Applied {
			result = ResultApplied
		}
		h.metrics.StatusUpdate(kind, result)
		h.logger.Info("Status update processed",
			zap.String("kind", kind),
			zap.String("id", u.ID),
			zap.String("status", string(u.Status)),
			zap.String("result", result))
		return nil
	case IsTerminal(err) || errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.metrics.StatusUpdate(kind, ResultRejected)
		h.logger.Warn("Status update rejected",
			zap.String("kind", kind),
			zap.String("id", u.ID),
			zap.String("status", string(u.Status)),
			zap.Error(err))
		return nil
	default:
		span.RecordError(err)
		h.metrics.StatusUpdate(kind, ResultRetry)
		return err
	}
}
