package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/store"
)

// ApplyStatusUpdate writes a provider-side status change after checking
// CanTransition. It reports whether anything was written; repeating the
// current status is a no-op.
//
// A counterparty cancellation also stores the owner's notification through
// emitter, keyed by record. A notification write failure is returned after
// the status write; a redelivered cancellation then finds the record
// already cancelled and stores only the missing notification.
func ApplyStatusUpdate(ctx context.Context, s store.Store, emitter *notify.Emitter, u model.StatusUpdate) (bool, error) {
	if u.ID == "" {
		return false, fmt.Errorf("status update without record id: %w", ErrInvalidTransition)
	}
	if u.Kind != model.KindOrder && u.Kind != model.KindAppointment {
		return false, fmt.Errorf("status update kind %q: %w", u.Kind, ErrInvalidTransition)
	}

	doc, err := s.Get(ctx, u.Kind.Collection(), u.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("status update %s %s: %w", u.Kind, u.ID, ErrNotFound)
		}
		return false, fmt.Errorf("status update %s %s: %w", u.Kind, u.ID, err)
	}
	prev, err := observe(u.Kind, doc)
	if err != nil {
		return false, fmt.Errorf("status update %s %s: %w", u.Kind, u.ID, err)
	}

	if err := CanTransition(u.Kind, prev.Status, u.Status); err != nil {
		return false, err
	}
	if prev.Status == u.Status {
		return false, notifyOwner(ctx, emitter, notify.Cancellation(prev))
	}

	at := u.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	patch := map[string]any{
		"status":    u.Status,
		"updatedAt": at,
	}
	next := prev
	next.Status = u.Status
	if u.Status == model.StatusCancelled {
		by := u.By
		if by == "" {
			by = model.PartyPharmacy
			if u.Kind == model.KindAppointment {
				by = model.PartyDoctor
			}
		}
		patch["cancelledBy"] = by
		patch["cancellationReason"] = u.CancellationReason
		next.CancelledBy = by
		next.Reason = u.CancellationReason
	}

	if err := s.Update(ctx, u.Kind.Collection(), u.ID, patch); err != nil {
		return false, fmt.Errorf("status update %s %s: %w", u.Kind, u.ID, err)
	}
	return true, notifyOwner(ctx, emitter, notify.Evaluate(&prev, next))
}

func notifyOwner(ctx context.Context, emitter *notify.Emitter, n *model.Notification) error {
	if n == nil || emitter == nil {
		return nil
	}
	if _, err := emitter.EmitOnce(ctx, *n); err != nil {
		return fmt.Errorf("notify %s: %w", n.UserID, err)
	}
	return nil
}

// observe decodes a tracked record into what notification rules read
func observe(kind model.Kind, doc store.Document) (notify.Observed, error) {
	if kind == model.KindAppointment {
		var a model.Appointment
		if err := doc.Decode(&a); err != nil {
			return notify.Observed{}, err
		}
		return notify.FromAppointment(a), nil
	}
	var o model.Order
	if err := doc.Decode(&o); err != nil {
		return notify.Observed{}, err
	}
	return notify.FromOrder(o), nil
}
